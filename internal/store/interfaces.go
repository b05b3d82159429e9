package store

import (
	"context"
	"errors"
	"time"

	"github.com/a6ar55/file-sync/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ChunkStoreStats summarizes the contents of a chunk store
type ChunkStoreStats struct {
	Chunks int64 `json:"chunks"`
	Bytes  int64 `json:"bytes"`
}

// ChunkStore is content-addressable storage for chunk bodies with reference
// accounting. Implementations must be safe for concurrent use; an entry is
// removed only when its refcount reaches zero.
type ChunkStore interface {
	// Put stores the bytes under their SHA-256 and returns the hex hash.
	// Storing bytes already present increments the refcount instead.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
	Ref(ctx context.Context, hash string) error
	Unref(ctx context.Context, hash string) error
	Stats(ctx context.Context) (ChunkStoreStats, error)
	Close() error
}

// MetadataStore is the persistent record of nodes, files, versions,
// replicas, events, and conflicts.
type MetadataStore interface {
	// Nodes
	AddNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)
	ListNodes(ctx context.Context) ([]*model.Node, error)
	UpdateNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error
	TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error
	// RemoveNode deletes the node and cascades into its replica rows and
	// events. Conflicts are left in place.
	RemoveNode(ctx context.Context, nodeID string) error

	// Files
	UpsertFile(ctx context.Context, file *model.File) error
	GetFile(ctx context.Context, fileID string) (*model.File, error)
	ListFiles(ctx context.Context, includeDeleted bool) ([]*model.File, error)
	MarkFileDeleted(ctx context.Context, fileID string) error

	// Versions. CreateVersion persists the version and atomically replaces
	// the file's head set with newHeads.
	CreateVersion(ctx context.Context, version *model.FileVersion, newHeads []string) error
	GetVersion(ctx context.Context, fileID, versionID string) (*model.FileVersion, error)
	ListVersions(ctx context.Context, fileID string) ([]*model.FileVersion, error)
	Heads(ctx context.Context, fileID string) ([]*model.FileVersion, error)

	// Replicas track the latest version known to be applied on each target
	SetReplica(ctx context.Context, fileID, nodeID, versionID string) error
	GetReplica(ctx context.Context, fileID, nodeID string) (string, error)

	// Events
	AppendEvent(ctx context.Context, event *model.Event) error
	RecentEvents(ctx context.Context, limit int) ([]*model.Event, error)
	MaxEventSequence(ctx context.Context) (int64, error)
	MarkEventProcessed(ctx context.Context, eventID string) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *model.Conflict) error
	GetConflict(ctx context.Context, conflictID string) (*model.Conflict, error)
	ListUnresolvedConflicts(ctx context.Context) ([]*model.Conflict, error)
	MarkConflictResolved(ctx context.Context, conflictID, winnerID, resolution string) error

	Ping(ctx context.Context) error
	Close()
}

// IdempotencyStore caches coordinator write responses so retried requests
// replay the recorded outcome instead of re-executing. A key identifies one
// write scoped by operation and originating node; GetResponse returns
// ErrNotFound for unseen writes.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key IdempotencyKey) ([]byte, error)
	PutResponse(ctx context.Context, key IdempotencyKey, body []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key IdempotencyKey) error
	Ping(ctx context.Context) error
	Close() error
}
