package config

import (
	"errors"
	"time"
)

// Config represents the coordinator service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chunks   ChunkConfig    `mapstructure:"chunks"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// DatabaseConfig represents PostgreSQL metadata store configuration
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the Redis idempotency store configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ChunkConfig represents chunk store configuration
type ChunkConfig struct {
	// Dir is the badger directory for chunk bodies; empty selects the
	// in-memory store.
	Dir       string `mapstructure:"dir"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

// SyncConfig represents replication and heartbeat configuration
type SyncConfig struct {
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	NodeOfflineAfter      time.Duration `mapstructure:"node_offline_after"`
	SessionDeadline       time.Duration `mapstructure:"session_deadline"`
	ChunkDeadline         time.Duration `mapstructure:"chunk_deadline"`
	MaxSessionsPerTarget  int           `mapstructure:"max_sessions_per_target"`
	MaxSessionsTotal      int           `mapstructure:"max_sessions_total"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
	TransportTimeout      time.Duration `mapstructure:"transport_timeout"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Chunks.ChunkSize <= 0 {
		return errors.New("chunks.chunk_size must be positive")
	}
	if c.Sync.HeartbeatInterval <= 0 {
		return errors.New("sync.heartbeat_interval must be positive")
	}
	if c.Sync.NodeOfflineAfter < c.Sync.HeartbeatInterval {
		return errors.New("sync.node_offline_after must be at least one heartbeat interval")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "coordinator-1",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
		},
		Database: DatabaseConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           5432,
			Database:       "filesync_metadata",
			User:           "coordinator",
			Password:       "",
			MaxConnections: 50,
			MinConnections: 10,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		Chunks: ChunkConfig{
			Dir:       "",
			ChunkSize: 4096,
		},
		Sync: SyncConfig{
			HeartbeatInterval:    5 * time.Second,
			NodeOfflineAfter:     15 * time.Second,
			SessionDeadline:      5 * time.Minute,
			ChunkDeadline:        30 * time.Second,
			MaxSessionsPerTarget: 1,
			MaxSessionsTotal:     16,
			IdempotencyTTL:       24 * time.Hour,
			TransportTimeout:     30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
