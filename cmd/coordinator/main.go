package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a6ar55/file-sync/internal/broadcast"
	"github.com/a6ar55/file-sync/internal/client"
	"github.com/a6ar55/file-sync/internal/config"
	apierrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/handler"
	"github.com/a6ar55/file-sync/internal/health"
	"github.com/a6ar55/file-sync/internal/metrics"
	"github.com/a6ar55/file-sync/internal/server"
	"github.com/a6ar55/file-sync/internal/service"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting file sync coordinator")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("chunk_size", cfg.Chunks.ChunkSize),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled))

	m := metrics.NewMetrics()

	// Metadata store
	var metadataStore store.MetadataStore
	if cfg.Database.Enabled {
		pgStore, err := store.NewPostgresMetadataStore(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to connect to metadata store", zap.Error(err))
		}
		if err := pgStore.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("Failed to apply metadata schema", zap.Error(err))
		}
		metadataStore = pgStore
	} else {
		logger.Warn("Database disabled, using in-memory metadata store")
		metadataStore = store.NewMemoryMetadataStore()
	}
	defer metadataStore.Close()

	// Chunk store
	var chunkStore store.ChunkStore
	if cfg.Chunks.Dir != "" {
		chunkStore, err = store.NewBadgerChunkStore(cfg.Chunks.Dir, logger)
		if err != nil {
			logger.Fatal("Failed to open chunk store", zap.Error(err))
		}
	} else {
		logger.Warn("No chunk directory configured, using in-memory chunk store")
		chunkStore = store.NewMemoryChunkStore()
	}
	defer chunkStore.Close()

	// Idempotency store
	var idempotencyStore store.IdempotencyStore
	if cfg.Redis.Enabled {
		idempotencyStore, err = store.NewRedisIdempotencyStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer idempotencyStore.Close()
	}

	// Event push channel
	hub := broadcast.NewHub(logger)
	hub.Start()
	defer hub.Stop()

	// Core services
	vcService := service.NewVectorClockService(logger)
	deltaService := service.NewDeltaService(cfg.Chunks.ChunkSize, logger)
	eventService := service.NewEventService(metadataStore, vcService, hub, logger)
	versionService := service.NewVersionService(metadataStore, chunkStore, vcService, deltaService, eventService, logger)

	transport := client.NewNodeClient(cfg.Sync.TransportTimeout, logger)
	replicationService := service.NewReplicationService(
		metadataStore,
		chunkStore,
		deltaService,
		versionService,
		vcService,
		eventService,
		transport,
		m,
		service.ReplicationConfig{
			SessionDeadline:      cfg.Sync.SessionDeadline,
			ChunkDeadline:        cfg.Sync.ChunkDeadline,
			MaxSessionsPerTarget: cfg.Sync.MaxSessionsPerTarget,
			MaxTotalSessions:     cfg.Sync.MaxSessionsTotal,
		},
		logger,
	)
	defer replicationService.Stop()

	heartbeatService := service.NewHeartbeatService(
		metadataStore,
		vcService,
		eventService,
		replicationService,
		cfg.Sync.HeartbeatInterval,
		cfg.Sync.NodeOfflineAfter,
		logger,
	)
	heartbeatService.Start()
	defer heartbeatService.Stop()

	// Re-register clocks for nodes that survived a restart
	if nodes, err := metadataStore.ListNodes(context.Background()); err == nil {
		for _, node := range nodes {
			vcService.RegisterNode(node.NodeID)
		}
	}

	errorHandler := apierrors.NewHandler(logger)
	healthChecker := health.NewHealthChecker(metadataStore, chunkStore, idempotencyStore, logger)
	handlers := handler.NewHandlers(
		metadataStore,
		chunkStore,
		idempotencyStore,
		vcService,
		deltaService,
		versionService,
		replicationService,
		eventService,
		heartbeatService,
		errorHandler,
		m,
		cfg.Sync.IdempotencyTTL,
		logger,
	)

	srv := server.NewServer(cfg, handlers, healthChecker, errorHandler, hub, logger)
	srv.SetupRoutes()

	// Prometheus endpoint on its own port
	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Metrics server listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}

	// Give detached fan-outs a moment to record their terminal events
	time.Sleep(100 * time.Millisecond)
	logger.Info("Coordinator stopped")
}
