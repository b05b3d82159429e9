// Package server provides the HTTP server for the coordinator API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/a6ar55/file-sync/internal/broadcast"
	"github.com/a6ar55/file-sync/internal/config"
	apierrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/handler"
	"github.com/a6ar55/file-sync/internal/health"
	"github.com/a6ar55/file-sync/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	errorHandler *apierrors.Handler
	hub          *broadcast.Hub
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthChecker,
	errorHandler *apierrors.Handler,
	hub *broadcast.Hub,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		hub:          hub,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.CORS([]string{"*"}),
	}

	if s.cfg.Server.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.Server.RateLimit,
			s.cfg.Server.RateBurst,
			s.errorHandler,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health probes
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	// Node management
	s.router.HandleFunc("/register", s.handlers.RegisterNode).Methods(http.MethodPost)
	s.router.HandleFunc("/nodes", s.handlers.ListNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{id}", s.handlers.GetNode).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{id}", s.handlers.RemoveNode).Methods(http.MethodDelete)
	s.router.HandleFunc("/nodes/{id}/heartbeat", s.handlers.NodeHeartbeat).Methods(http.MethodPost)
	s.router.HandleFunc("/nodes/{id}/files", s.handlers.NodeFiles).Methods(http.MethodGet)

	// Files and versions
	s.router.HandleFunc("/files", s.handlers.ListFiles).Methods(http.MethodGet)
	s.router.HandleFunc("/files/upload", s.handlers.UploadFile).Methods(http.MethodPost)
	s.router.HandleFunc("/files/{id}", s.handlers.GetFile).Methods(http.MethodGet)
	s.router.HandleFunc("/files/{id}", s.handlers.DeleteFile).Methods(http.MethodDelete)
	s.router.HandleFunc("/files/{id}/chunks", s.handlers.GetFileChunks).Methods(http.MethodGet)
	s.router.HandleFunc("/files/{id}/delta", s.handlers.UploadDelta).Methods(http.MethodPost)
	s.router.HandleFunc("/files/{id}/history", s.handlers.FileHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/files/{id}/restore", s.handlers.RestoreVersion).Methods(http.MethodPost)
	s.router.HandleFunc("/files/{id}/content", s.handlers.FileContent).Methods(http.MethodGet)
	s.router.HandleFunc("/files/{id}/replicate", s.handlers.ReplicateFile).Methods(http.MethodPost)

	// Conflicts
	s.router.HandleFunc("/conflicts", s.handlers.ListConflicts).Methods(http.MethodGet)
	s.router.HandleFunc("/conflicts/{id}/resolve", s.handlers.ResolveConflict).Methods(http.MethodPost)

	// Events and observability
	s.router.HandleFunc("/events", s.handlers.RecentEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/causal-order", s.handlers.CausalOrder).Methods(http.MethodGet)
	s.router.HandleFunc("/vector-clocks", s.handlers.VectorClocks).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handlers.MetricsSummary).Methods(http.MethodGet)
	s.router.HandleFunc("/delta-metrics", s.handlers.DeltaMetrics).Methods(http.MethodGet)

	// Event push stream
	s.router.Handle("/ws", s.hub.Handler())

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrCodeInvalidRequest, "endpoint not found", requestID)
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrCodeInvalidRequest, "method not allowed", requestID)
	})
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start begins serving; it blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
