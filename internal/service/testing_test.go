package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/a6ar55/file-sync/internal/client"
	"github.com/a6ar55/file-sync/internal/metrics"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// registerMetricsOnce keeps promauto from double-registering collectors
// across tests.
var (
	testMetrics     *metrics.Metrics
	testMetricsOnce sync.Once
)

func sharedMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = metrics.NewMetrics()
	})
	return testMetrics
}

type fixture struct {
	meta        *store.MemoryMetadataStore
	chunks      *store.MemoryChunkStore
	vc          *VectorClockService
	delta       *DeltaService
	events      *EventService
	versions    *VersionService
	replication *ReplicationService
	transport   *fakeTransport
}

// sentChunk records one chunk body pushed through the fake transport
type sentChunk struct {
	Target string
	FileID string
	Hash   string
	Size   int
}

// fakeTransport is an in-memory client.Transport for orchestrator tests.
// failChunkAfter > 0 makes SendChunk fail once that many chunks for the
// configured failTarget have gone through.
type fakeTransport struct {
	mu             sync.Mutex
	chunks         []sentChunk
	commits        map[string][]string // target -> committed version IDs
	failTarget     string
	failChunkAfter int
	failErr        error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{commits: make(map[string][]string)}
}

func (f *fakeTransport) SendChunk(ctx context.Context, target *model.Node, fileID, hash string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil && target.NodeID == f.failTarget {
		sent := 0
		for _, c := range f.chunks {
			if c.Target == target.NodeID {
				sent++
			}
		}
		if sent >= f.failChunkAfter {
			return f.failErr
		}
	}

	f.chunks = append(f.chunks, sentChunk{
		Target: target.NodeID,
		FileID: fileID,
		Hash:   hash,
		Size:   len(data),
	})
	return nil
}

func (f *fakeTransport) CommitVersion(ctx context.Context, target *model.Node, version *model.FileVersion, delta *model.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil && target.NodeID == f.failTarget && f.failChunkAfter == 0 {
		return f.failErr
	}
	f.commits[target.NodeID] = append(f.commits[target.NodeID], version.VersionID)
	return nil
}

func (f *fakeTransport) chunksFor(target string) []sentChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentChunk, 0)
	for _, c := range f.chunks {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

var _ client.Transport = (*fakeTransport)(nil)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	meta := store.NewMemoryMetadataStore()
	chunks := store.NewMemoryChunkStore()
	vc := NewVectorClockService(logger)
	delta := NewDeltaService(4096, logger)
	events := NewEventService(meta, vc, nil, logger)
	versions := NewVersionService(meta, chunks, vc, delta, events, logger)
	transport := newFakeTransport()
	replication := NewReplicationService(
		meta, chunks, delta, versions, vc, events, transport, sharedMetrics(),
		ReplicationConfig{
			SessionDeadline: 5 * time.Second,
			ChunkDeadline:   time.Second,
		},
		logger,
	)
	t.Cleanup(replication.Stop)

	return &fixture{
		meta:        meta,
		chunks:      chunks,
		vc:          vc,
		delta:       delta,
		events:      events,
		versions:    versions,
		replication: replication,
		transport:   transport,
	}
}

func (f *fixture) registerNode(t *testing.T, nodeID string) {
	t.Helper()
	now := time.Now().UTC()
	err := f.meta.AddNode(context.Background(), &model.Node{
		NodeID:       nodeID,
		Name:         nodeID,
		Address:      "127.0.0.1",
		Port:         9000,
		Status:       model.NodeOnline,
		LastSeen:     now,
		RegisteredAt: now,
	})
	require.NoError(t, err)
	f.vc.RegisterNode(nodeID)
}

// uploadContent runs the chunk-store writes and version creation a handler
// would perform for a full-body upload.
func (f *fixture) uploadContent(t *testing.T, fileID, nodeID string, content []byte, clock model.VectorClock) (*model.FileVersion, *model.Conflict) {
	t.Helper()
	ctx := context.Background()

	if clock == nil {
		clock = f.vc.Tick(nodeID)
	} else {
		f.vc.Observe(nodeID, clock)
	}

	signature := f.delta.Signature(content)
	for _, chunk := range signature {
		_, err := f.chunks.Put(ctx, content[chunk.Offset:chunk.Offset+int64(chunk.Size)])
		require.NoError(t, err)
	}

	version, conflict, err := f.versions.CreateVersion(ctx, VersionCandidate{
		FileID:      fileID,
		FileName:    fileID,
		Clock:       clock,
		Chunks:      signature,
		Size:        int64(len(content)),
		ContentHash: ContentHash(content),
		Originator:  nodeID,
	})
	require.NoError(t, err)
	return version, conflict
}

func (f *fixture) eventsOfType(t *testing.T, eventType model.EventType) []*model.Event {
	t.Helper()
	all, err := f.events.Recent(context.Background(), 1000)
	require.NoError(t, err)
	out := make([]*model.Event, 0)
	for _, e := range all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
