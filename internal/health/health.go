package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/a6ar55/file-sync/internal/store"
	"go.uber.org/zap"
)

// HealthChecker provides liveness and readiness probes
type HealthChecker struct {
	metadataStore    store.MetadataStore
	chunkStore       store.ChunkStore
	idempotencyStore store.IdempotencyStore
	logger           *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. idempotencyStore may be
// nil when the idempotency cache is disabled.
func NewHealthChecker(
	metadataStore store.MetadataStore,
	chunkStore store.ChunkStore,
	idempotencyStore store.IdempotencyStore,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		metadataStore:    metadataStore,
		chunkStore:       chunkStore,
		idempotencyStore: idempotencyStore,
		logger:           logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if err := h.metadataStore.Ping(ctx); err != nil {
		checks["metadata_store"] = err.Error()
		healthy = false
	} else {
		checks["metadata_store"] = "ok"
	}

	if _, err := h.chunkStore.Stats(ctx); err != nil {
		checks["chunk_store"] = err.Error()
		healthy = false
	} else {
		checks["chunk_store"] = "ok"
	}

	if h.idempotencyStore != nil {
		if err := h.idempotencyStore.Ping(ctx); err != nil {
			checks["idempotency_store"] = err.Error()
			healthy = false
		} else {
			checks["idempotency_store"] = "ok"
		}
	}

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if !healthy {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed", zap.Any("checks", checks))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
