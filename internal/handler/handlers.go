// Package handler provides the HTTP request handlers for the coordinator
// API.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	apierrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/metrics"
	"github.com/a6ar55/file-sync/internal/service"
	"github.com/a6ar55/file-sync/internal/store"
	"go.uber.org/zap"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	meta           store.MetadataStore
	chunks         store.ChunkStore
	idempotency    store.IdempotencyStore
	vcService      *service.VectorClockService
	deltaService   *service.DeltaService
	versionService *service.VersionService
	replication    *service.ReplicationService
	eventService   *service.EventService
	heartbeats     *service.HeartbeatService
	errorHandler   *apierrors.Handler
	metrics        *metrics.Metrics
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewHandlers creates a new Handlers instance. idempotency may be nil when
// the cache is disabled.
func NewHandlers(
	meta store.MetadataStore,
	chunks store.ChunkStore,
	idempotency store.IdempotencyStore,
	vcService *service.VectorClockService,
	deltaService *service.DeltaService,
	versionService *service.VersionService,
	replication *service.ReplicationService,
	eventService *service.EventService,
	heartbeats *service.HeartbeatService,
	errorHandler *apierrors.Handler,
	m *metrics.Metrics,
	idempotencyTTL time.Duration,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		meta:           meta,
		chunks:         chunks,
		idempotency:    idempotency,
		vcService:      vcService,
		deltaService:   deltaService,
		versionService: versionService,
		replication:    replication,
		eventService:   eventService,
		heartbeats:     heartbeats,
		errorHandler:   errorHandler,
		metrics:        m,
		idempotencyTTL: idempotencyTTL,
		logger:         logger,
	}
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.errorHandler.WriteValidationError(w, "invalid JSON body: "+err.Error(), r.Header.Get("X-Request-ID"))
		return false
	}
	return true
}
