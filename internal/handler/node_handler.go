package handler

import (
	"net/http"
	"time"

	apierrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RegisterNodeRequest is the body of POST /register
type RegisterNodeRequest struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

// RegisterNodeResponse is the body returned by POST /register
type RegisterNodeResponse struct {
	NodeID      string            `json:"node_id"`
	Status      string            `json:"status"`
	VectorClock model.VectorClock `json:"vector_clock"`
}

// RegisterNode handles POST /register
func (h *Handlers) RegisterNode(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req RegisterNodeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		h.errorHandler.WriteValidationError(w, "node_id is required", requestID)
		return
	}
	if req.Address == "" {
		h.errorHandler.WriteValidationError(w, "address is required", requestID)
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		h.errorHandler.WriteValidationError(w, "port must be between 1 and 65535", requestID)
		return
	}

	now := time.Now().UTC()
	node := &model.Node{
		NodeID:       req.NodeID,
		Name:         req.Name,
		Address:      req.Address,
		Port:         req.Port,
		Capabilities: req.Capabilities,
		Status:       model.NodeOnline,
		LastSeen:     now,
		RegisteredAt: now,
	}

	if err := h.meta.AddNode(r.Context(), node); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	clock := h.vcService.RegisterNode(req.NodeID)

	if _, err := h.eventService.Append(r.Context(), model.EventNodeRegistered, req.NodeID, "", clock, model.NodeStatusData{
		Status:  string(model.NodeOnline),
		Address: req.Address,
	}); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.Info("node registered",
		zap.String("node_id", req.NodeID),
		zap.String("address", req.Address),
		zap.Int("port", req.Port))

	h.writeJSONResponse(w, http.StatusCreated, RegisterNodeResponse{
		NodeID:      req.NodeID,
		Status:      string(model.NodeOnline),
		VectorClock: clock,
	})
}

// ListNodes handles GET /nodes
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.meta.ListNodes(r.Context())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

// GetNode handles GET /nodes/{id}
func (h *Handlers) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	node, err := h.meta.GetNode(r.Context(), nodeID)
	if err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("node", nodeID))
		return
	}
	h.writeJSONResponse(w, http.StatusOK, node)
}

// RemoveNode handles DELETE /nodes/{id}. Removal cancels in-flight sessions
// targeting the node and cascades into its events and replica rows.
func (h *Handlers) RemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	if _, err := h.meta.GetNode(r.Context(), nodeID); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("node", nodeID))
		return
	}

	h.replication.CancelTarget(nodeID)

	// Capture the departing node's clock before dropping it
	clock := h.vcService.Tick(nodeID)

	if err := h.meta.RemoveNode(r.Context(), nodeID); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.vcService.RemoveNode(nodeID)

	if _, err := h.eventService.Append(r.Context(), model.EventNodeRemoved, nodeID, "", clock, model.NodeStatusData{
		Status: string(model.NodeOffline),
		Reason: "removed",
	}); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.Info("node removed", zap.String("node_id", nodeID))
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"node_id": nodeID, "removed": true})
}

// NodeHeartbeat handles POST /nodes/{id}/heartbeat
func (h *Handlers) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	if err := h.heartbeats.Heartbeat(r.Context(), nodeID); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"node_id": nodeID, "status": "ok"})
}

// NodeFiles handles GET /nodes/{id}/files, listing files whose current
// primary head was created by the node
func (h *Handlers) NodeFiles(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	if _, err := h.meta.GetNode(r.Context(), nodeID); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("node", nodeID))
		return
	}

	files, err := h.meta.ListFiles(r.Context(), false)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	owned := make([]*model.FileVersion, 0)
	for _, file := range files {
		head, err := h.versionService.PrimaryHead(r.Context(), file.FileID)
		if err != nil {
			continue
		}
		if head.CreatedByNode == nodeID {
			owned = append(owned, head)
		}
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"node_id": nodeID, "files": owned, "count": len(owned)})
}
