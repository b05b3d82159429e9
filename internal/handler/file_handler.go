package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	apierrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/service"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// FileUploadRequest is the body of POST /files/upload. Content is always
// the full file body; clients with a known base signature submit deltas
// through POST /files/{id}/delta instead, so the endpoint itself selects
// the transfer mode.
type FileUploadRequest struct {
	FileID      string            `json:"file_id"`
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	NodeID      string            `json:"node_id"`
	Content     []byte            `json:"content"`
	VectorClock model.VectorClock `json:"vector_clock,omitempty"`
}

// FileUploadResponse is the body returned for uploads and delta submissions
type FileUploadResponse struct {
	FileID       string             `json:"file_id"`
	VersionID    string             `json:"version_id"`
	VectorClock  model.VectorClock  `json:"vector_clock"`
	DeltaMetrics model.DeltaMetrics `json:"delta_metrics"`
	ConflictID   string             `json:"conflict_id,omitempty"`
}

// DeltaUploadRequest is the body of POST /files/{id}/delta
type DeltaUploadRequest struct {
	NodeID      string            `json:"node_id"`
	Name        string            `json:"name"`
	Delta       model.Delta       `json:"delta"`
	VectorClock model.VectorClock `json:"vector_clock,omitempty"`
}

// RestoreVersionRequest is the body of POST /files/{id}/restore
type RestoreVersionRequest struct {
	VersionID string `json:"version_id"`
	NodeID    string `json:"node_id"`
}

// ReplicateRequest is the body of POST /files/{id}/replicate
type ReplicateRequest struct {
	TargetNode string `json:"target_node"`
}

// ListFiles handles GET /files, returning the current head version per file
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.meta.ListFiles(r.Context(), false)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	type fileEntry struct {
		File  *model.File          `json:"file"`
		Heads []*model.FileVersion `json:"heads"`
	}
	out := make([]fileEntry, 0, len(files))
	for _, file := range files {
		heads, err := h.versionService.Heads(r.Context(), file.FileID)
		if err != nil {
			continue
		}
		out = append(out, fileEntry{File: file, Heads: heads})
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"files": out, "count": len(out)})
}

// GetFile handles GET /files/{id}
func (h *Handlers) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	file, err := h.meta.GetFile(r.Context(), fileID)
	if errors.Is(err, store.ErrNotFound) {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("file", fileID))
		return
	}
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	heads, err := h.versionService.Heads(r.Context(), fileID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"file": file, "heads": heads})
}

// GetFileChunks handles GET /files/{id}/chunks, serving the chunk signature
// of the current head for peers preparing a delta upload
func (h *Handlers) GetFileChunks(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	head, err := h.versionService.PrimaryHead(r.Context(), fileID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"file_id":    fileID,
		"version_id": head.VersionID,
		"chunk_size": h.deltaService.ChunkSize(),
		"chunks":     head.Chunks,
		"digest":     service.SignatureDigest(head.Chunks),
	})
}

// UploadFile handles POST /files/upload
func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")

	var req FileUploadRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.FileID == "" {
		h.errorHandler.WriteValidationError(w, "file_id is required", requestID)
		return
	}
	if req.NodeID == "" {
		h.errorHandler.WriteValidationError(w, "node_id is required", requestID)
		return
	}
	if _, err := h.meta.GetNode(r.Context(), req.NodeID); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("node", req.NodeID))
		return
	}

	idemKey := store.IdempotencyKey{
		Operation: "upload",
		NodeID:    req.NodeID,
		ClientKey: r.Header.Get("Idempotency-Key"),
	}
	if cached, ok := h.replayIdempotent(r.Context(), idemKey); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotent-Replay", "true")
		w.WriteHeader(http.StatusOK)
		w.Write(cached)
		return
	}

	resp, err := h.acceptContent(r.Context(), acceptParams{
		fileID:     req.FileID,
		fileName:   req.Name,
		path:       req.Path,
		nodeID:     req.NodeID,
		content:    req.Content,
		clock:      req.VectorClock,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.storeIdempotent(r.Context(), idemKey, resp)
	h.writeJSONResponse(w, http.StatusCreated, resp)
}

// UploadDelta handles POST /files/{id}/delta: a delta against the declared
// base signature is applied server-side, verified, and accepted as a new
// version.
func (h *Handlers) UploadDelta(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	fileID := mux.Vars(r)["id"]

	var req DeltaUploadRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		h.errorHandler.WriteValidationError(w, "node_id is required", requestID)
		return
	}
	if _, err := h.meta.GetNode(r.Context(), req.NodeID); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("node", req.NodeID))
		return
	}

	baseContent := []byte{}
	if head, err := h.versionService.PrimaryHead(r.Context(), fileID); err == nil {
		baseContent, err = h.versionService.Content(r.Context(), head)
		if err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
	}

	content, err := h.deltaService.Apply(baseContent, &req.Delta)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.acceptContent(r.Context(), acceptParams{
		fileID:   fileID,
		fileName: req.Name,
		nodeID:   req.NodeID,
		content:  content,
		clock:    req.VectorClock,
	})
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, resp)
}

type acceptParams struct {
	fileID   string
	fileName string
	path     string
	nodeID   string
	content  []byte
	clock    model.VectorClock
}

// acceptContent runs the shared upload path: clock handling, chunking,
// chunk-store writes, version creation, and asynchronous fan-out.
func (h *Handlers) acceptContent(ctx context.Context, p acceptParams) (*FileUploadResponse, error) {
	var clock model.VectorClock
	if len(p.clock) > 0 {
		// The client's clock already covers its local step
		clock = p.clock
		h.vcService.Observe(p.nodeID, clock)
	} else {
		clock = h.vcService.Tick(p.nodeID)
	}

	signature := h.deltaService.Signature(p.content)
	stored := make([]string, 0, len(signature))
	for _, chunk := range signature {
		body := p.content[chunk.Offset : chunk.Offset+int64(chunk.Size)]
		hash, err := h.chunks.Put(ctx, body)
		if err != nil {
			h.releaseChunks(ctx, stored)
			return nil, err
		}
		stored = append(stored, hash)
	}

	// Delta metrics are reported against the previous primary head
	baseChunks := []model.ChunkSignature{}
	if head, err := h.versionService.PrimaryHead(ctx, p.fileID); err == nil {
		baseChunks = head.Chunks
	}
	reportDelta := h.deltaService.ComputeDelta(baseChunks, p.content)
	deltaMetrics := h.deltaService.Metrics(reportDelta)

	version, conflict, err := h.versionService.CreateVersion(ctx, service.VersionCandidate{
		FileID:      p.fileID,
		FileName:    p.fileName,
		Path:        p.path,
		Clock:       clock,
		Chunks:      signature,
		Size:        int64(len(p.content)),
		ContentHash: service.ContentHash(p.content),
		Originator:  p.nodeID,
	})
	if err != nil {
		h.releaseChunks(ctx, stored)
		return nil, err
	}

	if conflict != nil {
		h.metrics.ConflictsDetected.Inc()
	}

	// Opening sessions only enqueues; transfers run on the orchestrator's
	// workers after the response is written.
	if _, err := h.replication.ReplicateVersion(ctx, version); err != nil {
		h.logger.Error("replication fan-out failed",
			zap.String("file_id", version.FileID),
			zap.String("version_id", version.VersionID),
			zap.Error(err))
	}

	resp := &FileUploadResponse{
		FileID:       version.FileID,
		VersionID:    version.VersionID,
		VectorClock:  version.VectorClock,
		DeltaMetrics: deltaMetrics,
	}
	if conflict != nil {
		resp.ConflictID = conflict.ConflictID
	}
	return resp, nil
}

func (h *Handlers) releaseChunks(ctx context.Context, hashes []string) {
	for _, hash := range hashes {
		if err := h.chunks.Unref(ctx, hash); err != nil {
			h.logger.Warn("failed to release chunk after rejected upload",
				zap.String("hash", hash),
				zap.Error(err))
		}
	}
}

// FileHistory handles GET /files/{id}/history
func (h *Handlers) FileHistory(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	history, err := h.versionService.History(r.Context(), fileID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"file_id":  fileID,
		"versions": history,
		"count":    len(history),
	})
}

// RestoreVersion handles POST /files/{id}/restore
func (h *Handlers) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	fileID := mux.Vars(r)["id"]

	var req RestoreVersionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.VersionID == "" {
		h.errorHandler.WriteValidationError(w, "version_id is required", requestID)
		return
	}
	if req.NodeID == "" {
		h.errorHandler.WriteValidationError(w, "node_id is required", requestID)
		return
	}

	version, err := h.versionService.Restore(r.Context(), fileID, req.VersionID, req.NodeID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	if _, err := h.replication.ReplicateVersion(r.Context(), version); err != nil {
		h.logger.Error("replication fan-out failed after restore",
			zap.String("file_id", fileID),
			zap.Error(err))
	}

	h.writeJSONResponse(w, http.StatusCreated, map[string]any{
		"file_id":       fileID,
		"restored_from": req.VersionID,
		"version_id":    version.VersionID,
		"vector_clock":  version.VectorClock,
	})
}

// FileContent handles GET /files/{id}/content, serving the reconstructed
// bytes of the current head
func (h *Handlers) FileContent(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]

	head, err := h.versionService.PrimaryHead(r.Context(), fileID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	content, err := h.versionService.Content(r.Context(), head)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("X-Version-ID", head.VersionID)
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// DeleteFile handles DELETE /files/{id}
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["id"]
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		nodeID = "coordinator"
	}

	if err := h.versionService.DeleteFile(r.Context(), fileID, nodeID); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]any{"file_id": fileID, "deleted": true})
}

// ReplicateFile handles POST /files/{id}/replicate, the explicit
// re-replication trigger after a failed session
func (h *Handlers) ReplicateFile(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	fileID := mux.Vars(r)["id"]

	var req ReplicateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if req.TargetNode == "" {
		h.errorHandler.WriteValidationError(w, "target_node is required", requestID)
		return
	}
	if _, err := h.meta.GetNode(r.Context(), req.TargetNode); err != nil {
		h.errorHandler.HandleError(w, r, apierrors.NotFound("node", req.TargetNode))
		return
	}

	session, err := h.replication.Retrigger(r.Context(), fileID, req.TargetNode)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusAccepted, session)
}

func (h *Handlers) replayIdempotent(ctx context.Context, key store.IdempotencyKey) ([]byte, bool) {
	if h.idempotency == nil || key.ClientKey == "" {
		return nil, false
	}
	cached, err := h.idempotency.GetResponse(ctx, key)
	if err != nil {
		return nil, false
	}
	return cached, true
}

func (h *Handlers) storeIdempotent(ctx context.Context, key store.IdempotencyKey, resp *FileUploadResponse) {
	if h.idempotency == nil || key.ClientKey == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.idempotency.PutResponse(ctx, key, body, h.idempotencyTTL); err != nil {
		h.logger.Warn("failed to cache idempotent response", zap.Error(err))
	}
}
