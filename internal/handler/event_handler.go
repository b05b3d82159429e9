package handler

import (
	"net/http"
	"strconv"

	"github.com/a6ar55/file-sync/internal/model"
)

const defaultEventLimit = 100

func eventLimit(r *http.Request) int {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	return limit
}

// RecentEvents handles GET /events?limit=N, most recent first
func (h *Handlers) RecentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.eventService.Recent(r.Context(), eventLimit(r))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// CausalOrder handles GET /causal-order?limit=N, recent events in causal
// order
func (h *Handlers) CausalOrder(w http.ResponseWriter, r *http.Request) {
	events, err := h.eventService.CausalRecent(r.Context(), eventLimit(r))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// VectorClocks handles GET /vector-clocks
func (h *Handlers) VectorClocks(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"clocks": h.vcService.AllClocks()})
}

// MetricsSummary handles GET /metrics on the API surface (the Prometheus
// endpoint lives on the metrics port)
func (h *Handlers) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.meta.ListNodes(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	online := 0
	for _, node := range nodes {
		if node.Status == model.NodeOnline || node.Status == model.NodeSyncing {
			online++
		}
	}
	h.metrics.NodesOnline.Set(float64(online))

	files, err := h.meta.ListFiles(r.Context(), false)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	conflicts, err := h.meta.ListUnresolvedConflicts(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	totals := h.replication.Totals()
	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"nodes_total":           len(nodes),
		"nodes_online":          online,
		"files_total":           len(files),
		"conflicts_unresolved":  len(conflicts),
		"sessions_in_flight":    h.replication.InFlight(),
		"sessions_completed":    totals.SessionsCompleted,
		"sessions_failed":       totals.SessionsFailed,
		"bytes_transferred":     totals.BytesTransferred,
		"bandwidth_saved":       totals.BytesSaved,
		"avg_compression_ratio": totals.AvgCompressionRatio(),
	})
}

// DeltaMetrics handles GET /delta-metrics
func (h *Handlers) DeltaMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.chunks.Stats(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.metrics.ChunkStoreSize.Set(float64(stats.Chunks))
	h.metrics.ChunkStoreBytes.Set(float64(stats.Bytes))

	totals := h.replication.Totals()
	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"chunk_size":            h.deltaService.ChunkSize(),
		"chunks_stored":         stats.Chunks,
		"chunk_bytes_stored":    stats.Bytes,
		"bytes_transferred":     totals.BytesTransferred,
		"bandwidth_saved":       totals.BytesSaved,
		"avg_compression_ratio": totals.AvgCompressionRatio(),
	})
}
