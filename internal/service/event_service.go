package service

import (
	"context"
	"sync"
	"time"

	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcaster pushes events to external listeners (websocket clients).
// Implementations must not block the caller.
type Broadcaster interface {
	Broadcast(event *model.Event)
}

// subscriberBuffer bounds each in-process subscriber's queue. A subscriber
// that falls this far behind is dropped rather than allowed to block
// producers.
const subscriberBuffer = 64

// EventService is the append-only audit log. Every event gets a UUID and a
// store-assigned monotonic sequence; appended events fan out to the
// broadcaster and to in-process subscribers.
type EventService struct {
	meta      store.MetadataStore
	vcService *VectorClockService
	hub       Broadcaster
	logger    *zap.Logger

	mu          sync.Mutex
	subscribers map[int]chan *model.Event
	nextSubID   int
}

// NewEventService creates a new event service
func NewEventService(meta store.MetadataStore, vcService *VectorClockService, hub Broadcaster, logger *zap.Logger) *EventService {
	return &EventService{
		meta:        meta,
		vcService:   vcService,
		hub:         hub,
		logger:      logger,
		subscribers: make(map[int]chan *model.Event),
	}
}

// Append persists an event and pushes it to subscribers. The caller
// supplies the issuing node and the clock captured at issuance; Append owns
// identity and timestamps.
func (s *EventService) Append(ctx context.Context, eventType model.EventType, nodeID, fileID string, clock model.VectorClock, data model.EventData) (*model.Event, error) {
	event := &model.Event{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		NodeID:      nodeID,
		FileID:      fileID,
		Type:        eventType,
		Data:        data,
		VectorClock: clock.Copy(),
	}

	if err := s.meta.AppendEvent(ctx, event); err != nil {
		s.logger.Error("failed to append event",
			zap.String("event_type", string(eventType)),
			zap.String("node_id", nodeID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("event appended",
		zap.String("event_type", string(eventType)),
		zap.String("event_id", event.EventID),
		zap.String("node_id", nodeID),
		zap.String("file_id", fileID))

	if s.hub != nil {
		s.hub.Broadcast(event)
	}
	s.fanOut(event)
	return event, nil
}

// Recent returns up to limit events, most recent first
func (s *EventService) Recent(ctx context.Context, limit int) ([]*model.Event, error) {
	return s.meta.RecentEvents(ctx, limit)
}

// CausalRecent returns up to limit recent events ordered consistently with
// happens-before
func (s *EventService) CausalRecent(ctx context.Context, limit int) ([]*model.Event, error) {
	events, err := s.meta.RecentEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	values := make([]model.Event, len(events))
	for i, e := range events {
		values[i] = *e
	}
	sorted := s.vcService.CausalSort(values)

	out := make([]*model.Event, len(sorted))
	for i := range sorted {
		e := sorted[i]
		out[i] = &e
	}
	return out, nil
}

// Subscribe registers an in-process listener. It receives only events
// appended after subscription; there is no replay. The returned cancel
// function drops the subscription.
func (s *EventService) Subscribe() (<-chan *model.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan *model.Event, subscriberBuffer)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// fanOut delivers to in-process subscribers, dropping any whose buffer is
// full
func (s *EventService) fanOut(event *model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Warn("dropping slow event subscriber", zap.Int("subscriber", id))
			delete(s.subscribers, id)
			close(ch)
		}
	}
}
