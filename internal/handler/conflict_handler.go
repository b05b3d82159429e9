package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ResolveConflictRequest is the body of POST /conflicts/{id}/resolve
type ResolveConflictRequest struct {
	WinnerVersionID string `json:"winner_version_id"`
	NodeID          string `json:"node_id"`
}

// ListConflicts handles GET /conflicts
func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.meta.ListUnresolvedConflicts(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

// ResolveConflict handles POST /conflicts/{id}/resolve. Resolution creates
// a successor version merging both branch clocks and collapses the head set.
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	conflictID := mux.Vars(r)["id"]

	var req ResolveConflictRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.WinnerVersionID == "" {
		h.errorHandler.WriteValidationError(w, "winner_version_id is required", requestID)
		return
	}
	if req.NodeID == "" {
		req.NodeID = "coordinator"
	}

	version, err := h.versionService.ResolveConflict(r.Context(), conflictID, req.WinnerVersionID, req.NodeID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.metrics.ConflictsResolved.Inc()

	if _, err := h.replication.ReplicateVersion(r.Context(), version); err != nil {
		h.logger.Error("replication fan-out failed after conflict resolution",
			zap.String("conflict_id", conflictID),
			zap.Error(err))
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"conflict_id":  conflictID,
		"winner":       req.WinnerVersionID,
		"version_id":   version.VersionID,
		"vector_clock": version.VectorClock,
	})
}
