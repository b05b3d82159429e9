// Package client provides the HTTP transport used to push deltas and chunk
// bodies to peer nodes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"go.uber.org/zap"
)

// Transport pushes replication traffic to a target node. Implementations
// surface TARGET_OFFLINE and TRANSPORT_ERROR kinds so the orchestrator can
// classify failures.
type Transport interface {
	// SendChunk delivers one chunk body to the target.
	SendChunk(ctx context.Context, target *model.Node, fileID, hash string, data []byte) error
	// CommitVersion delivers the delta metadata after all chunk bodies and
	// asks the target to apply it.
	CommitVersion(ctx context.Context, target *model.Node, version *model.FileVersion, delta *model.Delta) error
}

// NodeClient is the HTTP Transport implementation talking to node agents.
type NodeClient struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewNodeClient creates a node client with the given per-request timeout
func NewNodeClient(timeout time.Duration, logger *zap.Logger) *NodeClient {
	return &NodeClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type chunkPayload struct {
	FileID string `json:"file_id"`
	Hash   string `json:"hash"`
	Data   []byte `json:"data"`
}

type commitPayload struct {
	Version *model.FileVersion `json:"version"`
	Delta   *model.Delta       `json:"delta"`
}

// SendChunk posts one chunk body to the target node
func (c *NodeClient) SendChunk(ctx context.Context, target *model.Node, fileID, hash string, data []byte) error {
	url := fmt.Sprintf("http://%s:%d/sync/chunks", target.Address, target.Port)
	return c.post(ctx, target, url, chunkPayload{FileID: fileID, Hash: hash, Data: data})
}

// CommitVersion posts the delta metadata to the target node
func (c *NodeClient) CommitVersion(ctx context.Context, target *model.Node, version *model.FileVersion, delta *model.Delta) error {
	url := fmt.Sprintf("http://%s:%d/sync/versions", target.Address, target.Port)
	return c.post(ctx, target, url, commitPayload{Version: version, Delta: delta})
}

func (c *NodeClient) post(ctx context.Context, target *model.Node, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return syncerrors.Wrap(syncerrors.ErrCodeInternal, "failed to encode payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return syncerrors.Wrap(syncerrors.ErrCodeInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return syncerrors.Wrap(syncerrors.ErrCodeTargetOffline,
				fmt.Sprintf("node %s unreachable", target.NodeID), err)
		}
		return syncerrors.Wrap(syncerrors.ErrCodeTransport,
			fmt.Sprintf("request to node %s failed", target.NodeID), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return syncerrors.New(syncerrors.ErrCodeTransport,
			fmt.Sprintf("node %s responded %d", target.NodeID, resp.StatusCode))
	}
	return nil
}
