package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4096, cfg.Chunks.ChunkSize)
	assert.Equal(t, 3*cfg.Sync.HeartbeatInterval, cfg.Sync.NodeOfflineAfter)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero chunk size", func(c *Config) { c.Chunks.ChunkSize = 0 }},
		{"offline window below heartbeat", func(c *Config) {
			c.Sync.HeartbeatInterval = 10 * time.Second
			c.Sync.NodeOfflineAfter = time.Second
		}},
		{"database enabled without host", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Host = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COORDINATOR_NODE_ID", "coordinator-env")
	t.Setenv("CHUNK_SIZE", "8192")
	t.Setenv("DATABASE_HOST", "db.internal")

	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)

	assert.Equal(t, "coordinator-env", cfg.Server.NodeID)
	assert.Equal(t, 8192, cfg.Chunks.ChunkSize)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}
