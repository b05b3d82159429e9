package service

import (
	"sync"

	"github.com/a6ar55/file-sync/internal/algorithm"
	"github.com/a6ar55/file-sync/internal/model"
	"go.uber.org/zap"
)

// VectorClockService maintains the authoritative per-node clock snapshot.
// All mutations (RegisterNode, RemoveNode, Tick, MergeReceive, Observe)
// happen under the service mutex; callers always receive immutable copies.
type VectorClockService struct {
	mu     sync.Mutex
	clocks map[string]model.VectorClock
	vcOps  *algorithm.VectorClockOps
	logger *zap.Logger
}

// NewVectorClockService creates a new vector clock service
func NewVectorClockService(logger *zap.Logger) *VectorClockService {
	return &VectorClockService{
		clocks: make(map[string]model.VectorClock),
		vcOps:  algorithm.NewVectorClockOps(),
		logger: logger,
	}
}

// RegisterNode initializes a clock entry for a newly registered node. It is
// a no-op for nodes already known.
func (s *VectorClockService) RegisterNode(nodeID string) model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clocks[nodeID]; !ok {
		s.clocks[nodeID] = model.VectorClock{nodeID: 0}
		s.logger.Debug("registered clock for node", zap.String("node_id", nodeID))
	}
	return s.clocks[nodeID].Copy()
}

// RemoveNode drops a node's clock. Entries for the node inside other nodes'
// clocks are retained; history referencing it stays valid.
func (s *VectorClockService) RemoveNode(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clocks, nodeID)
}

// Tick increments the node's own component and returns a copy of the
// resulting clock. Call before any locally originated event.
func (s *VectorClockService) Tick(nodeID string) model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock, ok := s.clocks[nodeID]
	if !ok {
		clock = model.VectorClock{}
	}
	clock = s.vcOps.Increment(clock, nodeID)
	s.clocks[nodeID] = clock
	return clock.Copy()
}

// MergeReceive folds an incoming clock into the receiving node's clock
// (componentwise max) and then ticks the receiver. Call when a message from
// a peer arrives.
func (s *VectorClockService) MergeReceive(nodeID string, incoming model.VectorClock) model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok := s.clocks[nodeID]
	if !ok {
		local = model.VectorClock{}
	}
	merged := s.vcOps.Merge(local, incoming)
	merged = s.vcOps.Increment(merged, nodeID)
	s.clocks[nodeID] = merged
	return merged.Copy()
}

// Observe folds an incoming clock into the node's clock without ticking.
// Used when the incoming clock already includes the node's own step.
func (s *VectorClockService) Observe(nodeID string, incoming model.VectorClock) model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok := s.clocks[nodeID]
	if !ok {
		local = model.VectorClock{}
	}
	merged := s.vcOps.Merge(local, incoming)
	s.clocks[nodeID] = merged
	return merged.Copy()
}

// Snapshot returns a copy of the node's current clock without advancing it
func (s *VectorClockService) Snapshot(nodeID string) model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock, ok := s.clocks[nodeID]
	if !ok {
		return model.VectorClock{}
	}
	return clock.Copy()
}

// AllClocks returns a copy of every known node clock
func (s *VectorClockService) AllClocks() map[string]model.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]model.VectorClock, len(s.clocks))
	for nodeID, clock := range s.clocks {
		out[nodeID] = clock.Copy()
	}
	return out
}

// Compare compares two vector clocks
func (s *VectorClockService) Compare(a, b model.VectorClock) model.VectorClockComparison {
	return s.vcOps.Compare(a, b)
}

// Merge merges clocks without ticking anything
func (s *VectorClockService) Merge(clocks ...model.VectorClock) model.VectorClock {
	return s.vcOps.Merge(clocks...)
}

// IsConcurrentWithAny reports whether vc conflicts with any of the given
// clocks
func (s *VectorClockService) IsConcurrentWithAny(vc model.VectorClock, clocks []model.VectorClock) bool {
	return s.vcOps.IsConcurrentWithAny(vc, clocks)
}

// CausalSort orders events consistently with happens-before
func (s *VectorClockService) CausalSort(events []model.Event) []model.Event {
	return s.vcOps.CausalSort(events)
}
