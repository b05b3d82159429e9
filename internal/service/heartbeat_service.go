package service

import (
	"context"
	"errors"
	"sync"
	"time"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/store"
	"go.uber.org/zap"
)

// HeartbeatService watches node heartbeats and flips nodes offline when
// they miss their window. Going offline cancels the node's in-flight
// replication sessions; coming back is an ordinary heartbeat.
type HeartbeatService struct {
	meta        store.MetadataStore
	vcService   *VectorClockService
	events      *EventService
	replication *ReplicationService
	interval    time.Duration
	offlineAge  time.Duration
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewHeartbeatService creates a heartbeat monitor. interval is the sweep
// cadence; offlineAge is how long a node may stay silent before it is
// marked offline (recommended three heartbeat intervals).
func NewHeartbeatService(
	meta store.MetadataStore,
	vcService *VectorClockService,
	events *EventService,
	replication *ReplicationService,
	interval, offlineAge time.Duration,
	logger *zap.Logger,
) *HeartbeatService {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if offlineAge <= 0 {
		offlineAge = 3 * interval
	}
	return &HeartbeatService{
		meta:        meta,
		vcService:   vcService,
		events:      events,
		replication: replication,
		interval:    interval,
		offlineAge:  offlineAge,
		logger:      logger,
	}
}

// Start begins the sweep loop in a background goroutine
func (s *HeartbeatService) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("heartbeat monitor started",
		zap.Duration("interval", s.interval),
		zap.Duration("offline_after", s.offlineAge))
}

// Stop halts the sweep loop
func (s *HeartbeatService) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Heartbeat records a node as alive. A previously offline node comes back
// online and emits a status change.
func (s *HeartbeatService) Heartbeat(ctx context.Context, nodeID string) error {
	node, err := s.meta.GetNode(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return syncerrors.NotFound("node", nodeID)
	}
	if err != nil {
		return err
	}

	if err := s.meta.TouchNode(ctx, nodeID, time.Now().UTC()); err != nil {
		return err
	}

	if node.Status == model.NodeOffline {
		if err := s.meta.UpdateNodeStatus(ctx, nodeID, model.NodeOnline); err != nil {
			return err
		}
		clock := s.vcService.Tick(nodeID)
		if _, err := s.events.Append(ctx, model.EventNodeStatusChange, nodeID, "", clock, model.NodeStatusData{
			Status: string(model.NodeOnline),
			Reason: "heartbeat resumed",
		}); err != nil {
			return err
		}
		s.logger.Info("node back online", zap.String("node_id", nodeID))
	}
	return nil
}

// sweep marks silent nodes offline and cancels their sessions
func (s *HeartbeatService) sweep(ctx context.Context) {
	nodes, err := s.meta.ListNodes(ctx)
	if err != nil {
		s.logger.Error("heartbeat sweep failed to list nodes", zap.Error(err))
		return
	}

	cutoff := time.Now().UTC().Add(-s.offlineAge)
	for _, node := range nodes {
		if node.Status == model.NodeOffline || !node.LastSeen.Before(cutoff) {
			continue
		}
		s.markOffline(ctx, node)
	}
}

func (s *HeartbeatService) markOffline(ctx context.Context, node *model.Node) {
	if err := s.meta.UpdateNodeStatus(ctx, node.NodeID, model.NodeOffline); err != nil {
		s.logger.Error("failed to mark node offline",
			zap.String("node_id", node.NodeID),
			zap.Error(err))
		return
	}

	s.logger.Warn("node missed heartbeat window, marking offline",
		zap.String("node_id", node.NodeID),
		zap.Time("last_seen", node.LastSeen))

	if s.replication != nil {
		s.replication.CancelTarget(node.NodeID)
	}

	clock := s.vcService.Tick(node.NodeID)
	if _, err := s.events.Append(ctx, model.EventNodeStatusChange, node.NodeID, "", clock, model.NodeStatusData{
		Status: string(model.NodeOffline),
		Reason: "heartbeat missed",
	}); err != nil {
		s.logger.Error("failed to record status change", zap.Error(err))
	}
}
