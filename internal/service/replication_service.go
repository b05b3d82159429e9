package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a6ar55/file-sync/internal/client"
	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/metrics"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionStatus is the replication session state machine
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Session is one replication attempt of one version to one target node
type Session struct {
	SessionID        string        `json:"session_id"`
	FileID           string        `json:"file_id"`
	VersionID        string        `json:"version_id"`
	SourceNode       string        `json:"source_node"`
	TargetNode       string        `json:"target_node"`
	Status           SessionStatus `json:"status"`
	Progress         int           `json:"progress"`
	BytesTransferred int64         `json:"bytes_transferred"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// ReplicationConfig bounds session concurrency and deadlines
type ReplicationConfig struct {
	SessionDeadline time.Duration
	ChunkDeadline   time.Duration
	// MaxSessionsPerTarget above one would break per-(file, target)
	// ordering, so values above one are clamped.
	MaxSessionsPerTarget int
	MaxTotalSessions     int
	TargetQueueLength    int
}

type replJob struct {
	session *Session
	version *model.FileVersion
	cancel  context.CancelFunc
	ctx     context.Context
}

// ReplicationService fans a newly created version out to every online node
// other than the originator. Sessions for the same target run strictly in
// order through a per-target queue worker; a global semaphore bounds total
// concurrency. Failed sessions are never retried silently; re-replication
// is an explicit new trigger.
type ReplicationService struct {
	meta      store.MetadataStore
	chunks    store.ChunkStore
	delta     *DeltaService
	versions  *VersionService
	vcService *VectorClockService
	events    *EventService
	transport client.Transport
	metrics   *metrics.Metrics
	cfg       ReplicationConfig
	logger    *zap.Logger

	mu       sync.Mutex
	queues   map[string]chan *replJob
	inflight map[string]*replJob // sessionID -> job, for cancellation
	sessions map[string]*Session // all known sessions
	totals   Totals
	sem      chan struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// Totals accumulates replication economics for the metrics endpoints
type Totals struct {
	SessionsCompleted int64   `json:"sessions_completed"`
	SessionsFailed    int64   `json:"sessions_failed"`
	BytesTransferred  int64   `json:"bytes_transferred"`
	BytesSaved        int64   `json:"bytes_saved"`
	ratioSum          float64
}

// AvgCompressionRatio is the mean compression ratio over completed sessions
func (t Totals) AvgCompressionRatio() float64 {
	if t.SessionsCompleted == 0 {
		return 0
	}
	return t.ratioSum / float64(t.SessionsCompleted)
}

// NewReplicationService creates a new replication orchestrator
func NewReplicationService(
	meta store.MetadataStore,
	chunks store.ChunkStore,
	delta *DeltaService,
	versions *VersionService,
	vcService *VectorClockService,
	events *EventService,
	transport client.Transport,
	m *metrics.Metrics,
	cfg ReplicationConfig,
	logger *zap.Logger,
) *ReplicationService {
	if cfg.SessionDeadline <= 0 {
		cfg.SessionDeadline = 5 * time.Minute
	}
	if cfg.ChunkDeadline <= 0 {
		cfg.ChunkDeadline = 30 * time.Second
	}
	if cfg.MaxTotalSessions <= 0 {
		cfg.MaxTotalSessions = 16
	}
	if cfg.TargetQueueLength <= 0 {
		cfg.TargetQueueLength = 64
	}
	if cfg.MaxSessionsPerTarget > 1 {
		logger.Warn("clamping max sessions per target to preserve ordering",
			zap.Int("requested", cfg.MaxSessionsPerTarget))
		cfg.MaxSessionsPerTarget = 1
	}

	return &ReplicationService{
		meta:      meta,
		chunks:    chunks,
		delta:     delta,
		versions:  versions,
		vcService: vcService,
		events:    events,
		transport: transport,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		queues:    make(map[string]chan *replJob),
		inflight:  make(map[string]*replJob),
		sessions:  make(map[string]*Session),
		sem:       make(chan struct{}, cfg.MaxTotalSessions),
	}
}

// ReplicateVersion opens one pending session per online target and queues
// them for transfer. It returns the opened sessions without waiting for
// transfers to finish.
func (s *ReplicationService) ReplicateVersion(ctx context.Context, version *model.FileVersion) ([]*Session, error) {
	nodes, err := s.meta.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	opened := make([]*Session, 0, len(nodes))
	for _, node := range nodes {
		if node.NodeID == version.CreatedByNode || !node.IsOnline() {
			continue
		}
		session, err := s.enqueue(ctx, version, node.NodeID)
		if err != nil {
			return opened, err
		}
		opened = append(opened, session)
	}

	s.logger.Info("replication fan-out opened",
		zap.String("file_id", version.FileID),
		zap.String("version_id", version.VersionID),
		zap.Int("targets", len(opened)))
	return opened, nil
}

func (s *ReplicationService) enqueue(ctx context.Context, version *model.FileVersion, target string) (*Session, error) {
	session := &Session{
		SessionID:  uuid.New().String(),
		FileID:     version.FileID,
		VersionID:  version.VersionID,
		SourceNode: version.CreatedByNode,
		TargetNode: target,
		Status:     SessionPending,
		StartedAt:  time.Now().UTC(),
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	job := &replJob{session: session, version: version, ctx: jobCtx, cancel: cancel}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil, syncerrors.New(syncerrors.ErrCodeInternal, "replication service is stopped")
	}
	s.sessions[session.SessionID] = session
	queue, ok := s.queues[target]
	if !ok {
		queue = make(chan *replJob, s.cfg.TargetQueueLength)
		s.queues[target] = queue
		s.wg.Add(1)
		go s.targetWorker(target, queue)
	}
	s.mu.Unlock()

	clock := s.vcService.Tick(version.CreatedByNode)
	if _, err := s.events.Append(ctx, model.EventSyncProgress, version.CreatedByNode, version.FileID, clock, model.SyncProgressData{
		Action:     "sync_started",
		Progress:   0,
		SourceNode: version.CreatedByNode,
		TargetNode: target,
		VersionID:  version.VersionID,
	}); err != nil {
		cancel()
		return nil, err
	}

	select {
	case queue <- job:
	default:
		cancel()
		s.failSession(session, syncerrors.New(syncerrors.ErrCodeTransport,
			fmt.Sprintf("replication queue for node %s is full", target)))
		return session, nil
	}
	return session, nil
}

// targetWorker drains one target's queue, running sessions strictly in
// order. This serializes successive versions per (file, target) and caps
// per-target parallelism at one.
func (s *ReplicationService) targetWorker(target string, queue chan *replJob) {
	defer s.wg.Done()
	for job := range queue {
		s.sem <- struct{}{}
		s.runSession(job)
		<-s.sem
	}
}

func (s *ReplicationService) runSession(job *replJob) {
	session := job.session
	defer job.cancel()

	ctx, cancel := context.WithTimeout(job.ctx, s.cfg.SessionDeadline)
	defer cancel()

	s.mu.Lock()
	s.inflight[session.SessionID] = job
	s.mu.Unlock()
	s.metrics.SessionsActive.Inc()
	started := time.Now()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, session.SessionID)
		s.mu.Unlock()
		s.metrics.SessionsActive.Dec()
		s.metrics.SessionDuration.Observe(time.Since(started).Seconds())
	}()

	if err := s.transfer(ctx, job); err != nil {
		s.failSession(session, err)
		return
	}
}

// transfer performs the delta computation and chunk pushes for one session
func (s *ReplicationService) transfer(ctx context.Context, job *replJob) error {
	session := job.session
	version := job.version

	target, err := s.meta.GetNode(ctx, session.TargetNode)
	if errors.Is(err, store.ErrNotFound) {
		return syncerrors.New(syncerrors.ErrCodeTargetOffline,
			fmt.Sprintf("node %s is no longer registered", session.TargetNode))
	}
	if err != nil {
		return err
	}
	if !target.IsOnline() {
		return syncerrors.New(syncerrors.ErrCodeTargetOffline,
			fmt.Sprintf("node %s is offline", session.TargetNode))
	}

	baseChunks, err := s.replicaBase(ctx, session)
	if err != nil {
		return err
	}

	content, err := s.versions.Content(ctx, version)
	if err != nil {
		return err
	}

	deltaStart := time.Now()
	delta := s.delta.ComputeDelta(baseChunks, content)
	s.metrics.DeltaDuration.Observe(time.Since(deltaStart).Seconds())
	deltaMetrics := s.delta.Metrics(delta)

	s.mu.Lock()
	session.Status = SessionInProgress
	s.mu.Unlock()

	var totalInsertBytes int64
	for _, op := range delta.Ops {
		if op.Type == model.DeltaInsert {
			totalInsertBytes += int64(op.Size)
		}
	}

	var bytesSent int64
	milestones := []int{25, 50, 75}
	nextMilestone := 0
	for _, op := range delta.Ops {
		if op.Type != model.DeltaInsert {
			continue
		}

		chunkCtx, chunkCancel := context.WithTimeout(ctx, s.cfg.ChunkDeadline)
		err := s.transport.SendChunk(chunkCtx, target, session.FileID, op.Hash, op.Data)
		chunkCancel()
		if err != nil {
			return err
		}

		bytesSent += int64(op.Size)
		s.metrics.BytesTransferred.Add(float64(op.Size))
		s.mu.Lock()
		session.BytesTransferred = bytesSent
		s.mu.Unlock()

		progress := 100
		if totalInsertBytes > 0 {
			progress = int(bytesSent * 100 / totalInsertBytes)
		}
		for nextMilestone < len(milestones) && progress >= milestones[nextMilestone] {
			if err := s.emitProgress(ctx, session, milestones[nextMilestone], bytesSent); err != nil {
				return err
			}
			s.mu.Lock()
			session.Progress = milestones[nextMilestone]
			s.mu.Unlock()
			nextMilestone++
		}
	}

	commitCtx, commitCancel := context.WithTimeout(ctx, s.cfg.ChunkDeadline)
	err = s.transport.CommitVersion(commitCtx, target, version, delta)
	commitCancel()
	if err != nil {
		return err
	}

	if err := s.meta.SetReplica(ctx, session.FileID, session.TargetNode, session.VersionID); err != nil {
		return err
	}

	if err := s.emitProgress(ctx, session, 100, bytesSent); err != nil {
		return err
	}

	s.mu.Lock()
	session.Progress = 100
	session.Status = SessionCompleted
	session.FinishedAt = time.Now().UTC()
	s.totals.SessionsCompleted++
	s.totals.BytesTransferred += bytesSent
	s.totals.BytesSaved += deltaMetrics.BytesSaved
	s.totals.ratioSum += deltaMetrics.CompressionRatio
	s.mu.Unlock()

	s.metrics.SyncsCompleted.Inc()
	s.metrics.BytesSaved.Add(float64(deltaMetrics.BytesSaved))

	clock := s.vcService.Tick(session.SourceNode)
	_, err = s.events.Append(ctx, model.EventSyncCompleted, session.SourceNode, session.FileID, clock, model.SyncCompletedData{
		SourceNode:       session.SourceNode,
		TargetNode:       session.TargetNode,
		VersionID:        session.VersionID,
		BytesTransferred: bytesSent,
		Metrics:          deltaMetrics,
	})
	if err != nil {
		return err
	}

	s.logger.Info("replication session completed",
		zap.String("session_id", session.SessionID),
		zap.String("file_id", session.FileID),
		zap.String("target", session.TargetNode),
		zap.Int64("bytes_transferred", bytesSent),
		zap.Int64("bytes_saved", deltaMetrics.BytesSaved))
	return nil
}

// replicaBase returns the chunk signature of the target's last applied
// version, empty when the target has never seen the file
func (s *ReplicationService) replicaBase(ctx context.Context, session *Session) ([]model.ChunkSignature, error) {
	versionID, err := s.meta.GetReplica(ctx, session.FileID, session.TargetNode)
	if errors.Is(err, store.ErrNotFound) {
		return []model.ChunkSignature{}, nil
	}
	if err != nil {
		return nil, err
	}

	version, err := s.meta.GetVersion(ctx, session.FileID, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return []model.ChunkSignature{}, nil
	}
	if err != nil {
		return nil, err
	}
	return version.Chunks, nil
}

func (s *ReplicationService) emitProgress(ctx context.Context, session *Session, progress int, bytesSent int64) error {
	clock := s.vcService.Tick(session.SourceNode)
	_, err := s.events.Append(ctx, model.EventSyncProgress, session.SourceNode, session.FileID, clock, model.SyncProgressData{
		Action:           "sync_progress",
		Progress:         progress,
		SourceNode:       session.SourceNode,
		TargetNode:       session.TargetNode,
		VersionID:        session.VersionID,
		BytesTransferred: bytesSent,
	})
	return err
}

// failSession moves a session to its terminal failed state and emits
// sync_error. Chunks already delivered stay refcounted so a re-replication
// reuses them.
func (s *ReplicationService) failSession(session *Session, cause error) {
	code := syncerrors.CodeOf(cause)
	if errors.Is(cause, context.DeadlineExceeded) {
		code = syncerrors.ErrCodeSessionTimeout
	} else if errors.Is(cause, context.Canceled) {
		code = syncerrors.ErrCodeTargetOffline
	}
	s.metrics.SyncsFailed.WithLabelValues(string(code)).Inc()

	s.mu.Lock()
	session.Status = SessionFailed
	session.FinishedAt = time.Now().UTC()
	session.Error = cause.Error()
	s.totals.SessionsFailed++
	s.mu.Unlock()

	s.logger.Warn("replication session failed",
		zap.String("session_id", session.SessionID),
		zap.String("file_id", session.FileID),
		zap.String("target", session.TargetNode),
		zap.String("reason", string(code)),
		zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := s.vcService.Tick(session.SourceNode)
	if _, err := s.events.Append(ctx, model.EventSyncError, session.SourceNode, session.FileID, clock, model.SyncErrorData{
		SourceNode: session.SourceNode,
		TargetNode: session.TargetNode,
		VersionID:  session.VersionID,
		Reason:     fmt.Sprintf("%s: %s", code, cause.Error()),
	}); err != nil {
		s.logger.Error("failed to record sync_error event", zap.Error(err))
	}
}

// CancelTarget fails every in-flight session aimed at a node, promptly.
// Used when a target transitions to offline mid-session.
func (s *ReplicationService) CancelTarget(nodeID string) {
	s.mu.Lock()
	jobs := make([]*replJob, 0)
	for _, job := range s.inflight {
		if job.session.TargetNode == nodeID {
			jobs = append(jobs, job)
		}
	}
	s.mu.Unlock()

	for _, job := range jobs {
		job.cancel()
	}
	if len(jobs) > 0 {
		s.logger.Info("cancelled in-flight sessions for offline node",
			zap.String("node_id", nodeID),
			zap.Int("sessions", len(jobs)))
	}
}

// Retrigger re-replicates the current primary head of a file to one target.
// This is the explicit recovery path after a failed session.
func (s *ReplicationService) Retrigger(ctx context.Context, fileID, targetNode string) (*Session, error) {
	head, err := s.versions.PrimaryHead(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, head, targetNode)
}

// Sessions returns a snapshot of all known sessions
func (s *ReplicationService) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		out = append(out, &copied)
	}
	return out
}

// Totals returns the cumulative replication economics
func (s *ReplicationService) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// InFlight returns the number of sessions currently transferring
func (s *ReplicationService) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// WaitForFile blocks until no session for the file is pending or in flight,
// or the context expires. Intended for tests and graceful shutdown.
func (s *ReplicationService) WaitForFile(ctx context.Context, fileID string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !s.hasOpenSessions(fileID) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ReplicationService) hasOpenSessions(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.FileID == fileID &&
			(session.Status == SessionPending || session.Status == SessionInProgress) {
			return true
		}
	}
	return false
}

// Stop closes every target queue and waits for workers to drain
func (s *ReplicationService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, queue := range s.queues {
		close(queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ReplicateToAll is a convenience used by tests to fan out via
// ReplicateVersion and wait for every opened session to finish.
func (s *ReplicationService) ReplicateToAll(ctx context.Context, version *model.FileVersion) error {
	sessions, err := s.ReplicateVersion(ctx, version)
	if err != nil {
		return err
	}

	g, waitCtx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		sessionID := session.SessionID
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				s.mu.Lock()
				status := s.sessions[sessionID].Status
				s.mu.Unlock()
				if status == SessionCompleted || status == SessionFailed {
					return nil
				}
				select {
				case <-waitCtx.Done():
					return waitCtx.Err()
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}
