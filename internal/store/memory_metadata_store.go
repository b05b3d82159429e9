package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/a6ar55/file-sync/internal/model"
)

// MemoryMetadataStore is an in-memory MetadataStore. It mirrors the
// PostgreSQL store's behavior for tests and single-binary deployments.
type MemoryMetadataStore struct {
	mu sync.RWMutex

	nodes     map[string]*model.Node
	files     map[string]*model.File
	versions  map[string]map[string]*model.FileVersion // fileID -> versionID -> version
	verOrder  map[string][]string                      // fileID -> versionIDs in creation order
	heads     map[string][]string                      // fileID -> head versionIDs
	replicas  map[string]map[string]string             // fileID -> nodeID -> versionID
	events    []*model.Event
	conflicts map[string]*model.Conflict
	seq       int64
}

// NewMemoryMetadataStore creates an empty in-memory metadata store
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		nodes:     make(map[string]*model.Node),
		files:     make(map[string]*model.File),
		versions:  make(map[string]map[string]*model.FileVersion),
		verOrder:  make(map[string][]string),
		heads:     make(map[string][]string),
		replicas:  make(map[string]map[string]string),
		conflicts: make(map[string]*model.Conflict),
	}
}

func copyNode(n *model.Node) *model.Node {
	out := *n
	out.Capabilities = append([]string(nil), n.Capabilities...)
	return &out
}

func copyVersion(v *model.FileVersion) *model.FileVersion {
	out := *v
	out.ParentIDs = append([]string(nil), v.ParentIDs...)
	out.VectorClock = v.VectorClock.Copy()
	out.Chunks = append([]model.ChunkSignature(nil), v.Chunks...)
	return &out
}

// AddNode registers a node
func (s *MemoryMetadataStore) AddNode(ctx context.Context, node *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.NodeID] = copyNode(node)
	return nil
}

// GetNode returns a node by ID
func (s *MemoryMetadataStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// ListNodes returns all nodes ordered by ID
func (s *MemoryMetadataStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, copyNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// UpdateNodeStatus sets a node's status
func (s *MemoryMetadataStore) UpdateNodeStatus(ctx context.Context, nodeID string, status model.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	node.Status = status
	return nil
}

// TouchNode refreshes a node's last-seen timestamp
func (s *MemoryMetadataStore) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	node.LastSeen = seenAt
	return nil
}

// RemoveNode deletes the node and cascades into its replica rows and events
func (s *MemoryMetadataStore) RemoveNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[nodeID]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, nodeID)
	for _, byNode := range s.replicas {
		delete(byNode, nodeID)
	}
	kept := s.events[:0]
	for _, e := range s.events {
		if e.NodeID != nodeID {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

// UpsertFile creates or updates a file record
func (s *MemoryMetadataStore) UpsertFile(ctx context.Context, file *model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *file
	s.files[file.FileID] = &out
	return nil
}

// GetFile returns a file by ID
func (s *MemoryMetadataStore) GetFile(ctx context.Context, fileID string) (*model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *file
	return &out, nil
}

// ListFiles returns all files, skipping tombstoned ones unless asked
func (s *MemoryMetadataStore) ListFiles(ctx context.Context, includeDeleted bool) ([]*model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.File, 0, len(s.files))
	for _, file := range s.files {
		if file.Deleted && !includeDeleted {
			continue
		}
		f := *file
		out = append(out, &f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

// MarkFileDeleted tombstones a file
func (s *MemoryMetadataStore) MarkFileDeleted(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.files[fileID]
	if !ok {
		return ErrNotFound
	}
	file.Deleted = true
	file.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateVersion persists a version and atomically replaces the head set
func (s *MemoryMetadataStore) CreateVersion(ctx context.Context, version *model.FileVersion, newHeads []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.versions[version.FileID]
	if !ok {
		byID = make(map[string]*model.FileVersion)
		s.versions[version.FileID] = byID
	}
	byID[version.VersionID] = copyVersion(version)
	s.verOrder[version.FileID] = append(s.verOrder[version.FileID], version.VersionID)
	s.heads[version.FileID] = append([]string(nil), newHeads...)
	return nil
}

// GetVersion returns one version of a file
func (s *MemoryMetadataStore) GetVersion(ctx context.Context, fileID, versionID string) (*model.FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.versions[fileID][versionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVersion(version), nil
}

// ListVersions returns all versions of a file in creation order
func (s *MemoryMetadataStore) ListVersions(ctx context.Context, fileID string) ([]*model.FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.verOrder[fileID]
	out := make([]*model.FileVersion, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyVersion(s.versions[fileID][id]))
	}
	return out, nil
}

// Heads returns the current head versions of a file
func (s *MemoryMetadataStore) Heads(ctx context.Context, fileID string) ([]*model.FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.FileVersion, 0, len(s.heads[fileID]))
	for _, id := range s.heads[fileID] {
		if version, ok := s.versions[fileID][id]; ok {
			out = append(out, copyVersion(version))
		}
	}
	return out, nil
}

// SetReplica records the latest version applied on a target node
func (s *MemoryMetadataStore) SetReplica(ctx context.Context, fileID, nodeID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.replicas[fileID]
	if !ok {
		byNode = make(map[string]string)
		s.replicas[fileID] = byNode
	}
	byNode[nodeID] = versionID
	return nil
}

// GetReplica returns the latest version applied on a target node
func (s *MemoryMetadataStore) GetReplica(ctx context.Context, fileID, nodeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versionID, ok := s.replicas[fileID][nodeID]
	if !ok {
		return "", ErrNotFound
	}
	return versionID, nil
}

// AppendEvent stores an event, assigning the next sequence number
func (s *MemoryMetadataStore) AppendEvent(ctx context.Context, event *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	event.Sequence = s.seq
	stored := *event
	stored.VectorClock = event.VectorClock.Copy()
	s.events = append(s.events, &stored)
	return nil
}

// RecentEvents returns up to limit events, most recent first
func (s *MemoryMetadataStore) RecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*model.Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		e := *s.events[i]
		out = append(out, &e)
	}
	return out, nil
}

// MaxEventSequence returns the highest assigned sequence number
func (s *MemoryMetadataStore) MaxEventSequence(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, nil
}

// MarkEventProcessed flags an event as handled
func (s *MemoryMetadataStore) MarkEventProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.EventID == eventID {
			e.Processed = true
			return nil
		}
	}
	return ErrNotFound
}

// CreateConflict records a detected conflict
func (s *MemoryMetadataStore) CreateConflict(ctx context.Context, conflict *model.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *conflict
	s.conflicts[conflict.ConflictID] = &out
	return nil
}

// GetConflict returns a conflict by ID
func (s *MemoryMetadataStore) GetConflict(ctx context.Context, conflictID string) (*model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conflict
	return &out, nil
}

// ListUnresolvedConflicts returns all open conflicts
func (s *MemoryMetadataStore) ListUnresolvedConflicts(ctx context.Context) ([]*model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Conflict, 0)
	for _, conflict := range s.conflicts {
		if !conflict.Resolved {
			c := *conflict
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// MarkConflictResolved records the chosen winner
func (s *MemoryMetadataStore) MarkConflictResolved(ctx context.Context, conflictID, winnerID, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conflict, ok := s.conflicts[conflictID]
	if !ok {
		return ErrNotFound
	}
	conflict.Resolved = true
	conflict.WinnerID = winnerID
	conflict.Resolution = resolution
	conflict.ResolvedAt = time.Now().UTC()
	return nil
}

// Ping is a no-op for the in-memory store
func (s *MemoryMetadataStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryMetadataStore) Close() {}
