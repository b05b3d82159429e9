package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/a6ar55/file-sync/internal/broadcast"
	"github.com/a6ar55/file-sync/internal/client"
	"github.com/a6ar55/file-sync/internal/config"
	apierrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/handler"
	"github.com/a6ar55/file-sync/internal/health"
	"github.com/a6ar55/file-sync/internal/metrics"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/server"
	"github.com/a6ar55/file-sync/internal/service"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	apiMetrics     *metrics.Metrics
	apiMetricsOnce sync.Once
)

// nullTransport accepts every push without doing I/O; the coordinator acts
// as the authoritative replica in these tests.
type nullTransport struct{}

func (nullTransport) SendChunk(ctx context.Context, target *model.Node, fileID, hash string, data []byte) error {
	return nil
}

func (nullTransport) CommitVersion(ctx context.Context, target *model.Node, version *model.FileVersion, delta *model.Delta) error {
	return nil
}

var _ client.Transport = nullTransport{}

// memoryIdempotencyStore is an in-memory store.IdempotencyStore for replay
// tests
type memoryIdempotencyStore struct {
	mu        sync.Mutex
	responses map[string][]byte
}

func newMemoryIdempotencyStore() *memoryIdempotencyStore {
	return &memoryIdempotencyStore{responses: make(map[string][]byte)}
}

func (m *memoryIdempotencyStore) GetResponse(ctx context.Context, key store.IdempotencyKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.responses[key.Operation+"/"+key.NodeID+"/"+key.ClientKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return body, nil
}

func (m *memoryIdempotencyStore) PutResponse(ctx context.Context, key store.IdempotencyKey, body []byte, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := key.Operation + "/" + key.NodeID + "/" + key.ClientKey
	if _, exists := m.responses[id]; !exists {
		m.responses[id] = body
	}
	return nil
}

func (m *memoryIdempotencyStore) Invalidate(ctx context.Context, key store.IdempotencyKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.responses, key.Operation+"/"+key.NodeID+"/"+key.ClientKey)
	return nil
}

func (m *memoryIdempotencyStore) Ping(ctx context.Context) error { return nil }
func (m *memoryIdempotencyStore) Close() error                   { return nil }

var _ store.IdempotencyStore = (*memoryIdempotencyStore)(nil)

type apiFixture struct {
	ts          *httptest.Server
	replication *service.ReplicationService
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureWith(t, nil)
}

func newAPIFixtureWith(t *testing.T, idempotency store.IdempotencyStore) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	apiMetricsOnce.Do(func() { apiMetrics = metrics.NewMetrics() })

	meta := store.NewMemoryMetadataStore()
	chunks := store.NewMemoryChunkStore()
	vc := service.NewVectorClockService(logger)
	delta := service.NewDeltaService(4096, logger)

	hub := broadcast.NewHub(logger)
	hub.Start()
	t.Cleanup(hub.Stop)

	events := service.NewEventService(meta, vc, hub, logger)
	versions := service.NewVersionService(meta, chunks, vc, delta, events, logger)
	replication := service.NewReplicationService(
		meta, chunks, delta, versions, vc, events, nullTransport{}, apiMetrics,
		service.ReplicationConfig{SessionDeadline: 5 * time.Second, ChunkDeadline: time.Second},
		logger,
	)
	t.Cleanup(replication.Stop)

	heartbeats := service.NewHeartbeatService(meta, vc, events, replication, time.Second, 3*time.Second, logger)

	errorHandler := apierrors.NewHandler(logger)
	handlers := handler.NewHandlers(meta, chunks, idempotency, vc, delta, versions, replication, events,
		heartbeats, errorHandler, apiMetrics, time.Hour, logger)
	healthChecker := health.NewHealthChecker(meta, chunks, nil, logger)

	cfg := config.DefaultConfig()
	srv := server.NewServer(cfg, handlers, healthChecker, errorHandler, hub, logger)
	srv.SetupRoutes()

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, replication: replication}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func (f *apiFixture) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func (f *apiFixture) register(t *testing.T, nodeID string) {
	t.Helper()
	resp, _ := f.postJSON(t, "/register", handler.RegisterNodeRequest{
		NodeID:  nodeID,
		Name:    nodeID,
		Address: "127.0.0.1",
		Port:    9000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (f *apiFixture) waitForSync(t *testing.T, fileID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.replication.WaitForFile(ctx, fileID))
}

func fileBody(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func TestRegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.postJSON(t, "/register", handler.RegisterNodeRequest{Name: "anonymous"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(apierrors.ErrCodeInvalidRequest), body["error_code"])
}

func TestRegisterAndListNodes(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")

	resp, body := f.getJSON(t, "/nodes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, node := f.getJSON(t, "/nodes/n1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", node["status"])
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")

	content := fileBody(3*4096, 1)
	resp, body := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:  "file-1",
		Name:    "report.txt",
		NodeID:  "n1",
		Content: content,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	versionID := body["version_id"].(string)
	require.NotEmpty(t, versionID)

	f.waitForSync(t, "file-1")

	// Content round trip
	raw, err := http.Get(f.ts.URL + "/files/file-1/content")
	require.NoError(t, err)
	got, err := io.ReadAll(raw.Body)
	raw.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, versionID, raw.Header.Get("X-Version-ID"))

	// Chunk signature of the head
	resp, chunksBody := f.getJSON(t, "/files/file-1/chunks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4096), chunksBody["chunk_size"])
	assert.Len(t, chunksBody["chunks"], 3)

	// Fan-out reached n2 and recorded sync_completed
	resp, eventsBody := f.getJSON(t, "/events?limit=50")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := 0
	for _, raw := range eventsBody["events"].([]any) {
		event := raw.(map[string]any)
		if event["event_type"] == string(model.EventSyncCompleted) {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestUploadIdempotencyReplay(t *testing.T) {
	f := newAPIFixtureWith(t, newMemoryIdempotencyStore())
	f.register(t, "n1")

	content := fileBody(4096, 1)
	payload, err := json.Marshal(handler.FileUploadRequest{
		FileID:  "file-1",
		NodeID:  "n1",
		Content: content,
	})
	require.NoError(t, err)

	post := func() (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/files/upload", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "client-key-1")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		return resp, decoded
	}

	first, firstBody := post()
	require.Equal(t, http.StatusCreated, first.StatusCode)
	f.waitForSync(t, "file-1")

	// The retry replays the recorded outcome; no second version appears
	second, secondBody := post()
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))
	assert.Equal(t, firstBody["version_id"], secondBody["version_id"])

	_, history := f.getJSON(t, "/files/file-1/history")
	assert.Equal(t, float64(1), history["count"])
}

func TestUploadUnknownNodeRejected(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:  "file-1",
		NodeID:  "ghost",
		Content: fileBody(10, 1),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(apierrors.ErrCodeNotFound), body["error_code"])
}

func TestStaleUploadRejectedConcurrentAccepted(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")
	f.register(t, "n3")

	resp, _ := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:      "file-1",
		NodeID:      "n1",
		Content:     fileBody(4096, 1),
		VectorClock: model.VectorClock{"n1": 1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.waitForSync(t, "file-1")

	resp, _ = f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:      "file-1",
		NodeID:      "n2",
		Content:     fileBody(4096, 2),
		VectorClock: model.VectorClock{"n1": 1, "n2": 1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.waitForSync(t, "file-1")

	// Strictly below the current head
	resp, body := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:      "file-1",
		NodeID:      "n3",
		Content:     fileBody(4096, 3),
		VectorClock: model.VectorClock{"n1": 1},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(apierrors.ErrCodeStaleVersion), body["error_code"])

	// Concurrent with the head: accepted, conflict recorded
	resp, body = f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:      "file-1",
		NodeID:      "n3",
		Content:     fileBody(4096, 3),
		VectorClock: model.VectorClock{"n1": 1, "n3": 1},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conflictID := body["conflict_id"].(string)
	require.NotEmpty(t, conflictID)
	f.waitForSync(t, "file-1")

	resp, conflicts := f.getJSON(t, "/conflicts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), conflicts["count"])

	// Resolve and verify the head collapses
	winner := body["version_id"].(string)
	resp, _ = f.postJSON(t, fmt.Sprintf("/conflicts/%s/resolve", conflictID), handler.ResolveConflictRequest{
		WinnerVersionID: winner,
		NodeID:          "n1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitForSync(t, "file-1")

	resp, conflicts = f.getJSON(t, "/conflicts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), conflicts["count"])

	resp, fileBodyJSON := f.getJSON(t, "/files/file-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, fileBodyJSON["heads"], 1)
}

func TestDeltaUploadEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")

	old := fileBody(3*4096, 1)
	resp, _ := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:  "file-1",
		NodeID:  "n1",
		Content: old,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.waitForSync(t, "file-1")

	// Client-side delta: change the middle chunk
	updated := append([]byte{}, old...)
	copy(updated[4096:2*4096], fileBody(4096, 99))

	deltaSvc := service.NewDeltaService(4096, zap.NewNop())
	delta := deltaSvc.ComputeDelta(deltaSvc.Signature(old), updated)

	resp, body := f.postJSON(t, "/files/file-1/delta", handler.DeltaUploadRequest{
		NodeID: "n1",
		Delta:  *delta,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	metrics := body["delta_metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["chunks_inserted"])
	assert.Equal(t, float64(2), metrics["chunks_copied"])
	f.waitForSync(t, "file-1")

	raw, err := http.Get(f.ts.URL + "/files/file-1/content")
	require.NoError(t, err)
	got, err := io.ReadAll(raw.Body)
	raw.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestHistoryAndRestore(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")

	contents := [][]byte{fileBody(4096, 1), fileBody(4096, 2), fileBody(4096, 3)}
	versionIDs := make([]string, 0, 3)
	for _, content := range contents {
		resp, body := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
			FileID:  "file-1",
			NodeID:  "n1",
			Content: content,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		versionIDs = append(versionIDs, body["version_id"].(string))
		f.waitForSync(t, "file-1")
	}

	resp, history := f.getJSON(t, "/files/file-1/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), history["count"])

	resp, restored := f.postJSON(t, "/files/file-1/restore", handler.RestoreVersionRequest{
		VersionID: versionIDs[0],
		NodeID:    "n1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, versionIDs[0], restored["restored_from"])
	f.waitForSync(t, "file-1")

	raw, err := http.Get(f.ts.URL + "/files/file-1/content")
	require.NoError(t, err)
	got, err := io.ReadAll(raw.Body)
	raw.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, contents[0], got)

	resp, history = f.getJSON(t, "/files/file-1/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), history["count"])
}

func TestVectorClocksAndMetricsEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")

	resp, clocks := f.getJSON(t, "/vector-clocks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, clocks["clocks"], 2)

	resp, _ = f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:  "file-1",
		NodeID:  "n1",
		Content: fileBody(2*4096, 1),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	f.waitForSync(t, "file-1")

	resp, summary := f.getJSON(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), summary["nodes_online"])
	assert.Equal(t, float64(1), summary["files_total"])

	resp, deltaMetrics := f.getJSON(t, "/delta-metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4096), deltaMetrics["chunk_size"])
	assert.Equal(t, float64(2), deltaMetrics["chunks_stored"])
}

func TestRemoveNodeCascades(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")
	f.register(t, "n2")

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/nodes/n2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, _ := f.getJSON(t, "/nodes/n2")
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)

	// Clock entry is gone too
	_, clocks := f.getJSON(t, "/vector-clocks")
	assert.Len(t, clocks["clocks"], 1)
}

func TestCausalOrderEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "n1")

	resp, _ := f.postJSON(t, "/files/upload", handler.FileUploadRequest{
		FileID:  "file-1",
		NodeID:  "n1",
		Content: fileBody(4096, 1),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.getJSON(t, "/causal-order?limit=20")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := body["events"].([]any)
	require.NotEmpty(t, events)

	// Ascending causal order: each event's clock never dominates a later one
	prev := model.VectorClock{}
	for _, raw := range events {
		event := raw.(map[string]any)
		clock := model.VectorClock{}
		for node, ts := range event["vector_clock"].(map[string]any) {
			clock[node] = int64(ts.(float64))
		}
		ops := service.NewVectorClockService(zap.NewNop())
		assert.NotEqual(t, model.VectorClockBefore, ops.Compare(clock, prev))
		prev = clock
	}
}
