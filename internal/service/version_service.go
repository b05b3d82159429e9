package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/a6ar55/file-sync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VersionCandidate is the input to CreateVersion. The caller has already
// stored (and referenced) every chunk body in the chunk store; see Put/Ref
// on ChunkStore.
type VersionCandidate struct {
	FileID      string
	FileName    string
	Path        string
	Clock       model.VectorClock
	Chunks      []model.ChunkSignature
	Size        int64
	ContentHash string
	Originator  string
}

// VersionService owns the per-file version DAG: immutable versions, head
// tracking, history, restore, diff, and conflict detection. A per-file
// mutex serializes all mutations for one file; readers work on snapshots.
type VersionService struct {
	meta      store.MetadataStore
	chunks    store.ChunkStore
	vcService *VectorClockService
	delta     *DeltaService
	events    *EventService
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewVersionService creates a new version service
func NewVersionService(
	meta store.MetadataStore,
	chunks store.ChunkStore,
	vcService *VectorClockService,
	delta *DeltaService,
	events *EventService,
	logger *zap.Logger,
) *VersionService {
	return &VersionService{
		meta:      meta,
		chunks:    chunks,
		vcService: vcService,
		delta:     delta,
		events:    events,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// fileLock returns the mutex serializing mutations for one file
func (s *VersionService) fileLock(fileID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[fileID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[fileID] = lock
	}
	return lock
}

// CreateVersion records an immutable version and updates the file's head
// set. Heads strictly dominated by the candidate clock are superseded and
// become parents; concurrent heads survive alongside the new version and
// produce a Conflict. A clock at or below any current head is rejected with
// STALE_VERSION. Every chunk hash must already resolve in the chunk store.
func (s *VersionService) CreateVersion(ctx context.Context, cand VersionCandidate) (*model.FileVersion, *model.Conflict, error) {
	for _, chunk := range cand.Chunks {
		ok, err := s.chunks.Has(ctx, chunk.Hash)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, syncerrors.MissingChunk(chunk.Hash)
		}
	}

	lock := s.fileLock(cand.FileID)
	lock.Lock()
	defer lock.Unlock()

	heads, err := s.meta.Heads(ctx, cand.FileID)
	if err != nil {
		return nil, nil, err
	}

	parents := make([]string, 0, len(heads))
	survivors := make([]*model.FileVersion, 0, len(heads))
	for _, head := range heads {
		switch s.vcService.Compare(cand.Clock, head.VectorClock) {
		case model.VectorClockBefore, model.VectorClockEqual:
			return nil, nil, syncerrors.StaleVersion(cand.FileID)
		case model.VectorClockAfter:
			parents = append(parents, head.VersionID)
		case model.VectorClockConcurrent:
			survivors = append(survivors, head)
		}
	}

	version := &model.FileVersion{
		FileID:        cand.FileID,
		VersionID:     uuid.New().String(),
		ParentIDs:     parents,
		VectorClock:   cand.Clock.Copy(),
		Chunks:        append([]model.ChunkSignature(nil), cand.Chunks...),
		Size:          cand.Size,
		ContentHash:   cand.ContentHash,
		CreatedByNode: cand.Originator,
		CreatedAt:     time.Now().UTC(),
	}

	newHeads := make([]string, 0, len(survivors)+1)
	for _, head := range survivors {
		newHeads = append(newHeads, head.VersionID)
	}
	newHeads = append(newHeads, version.VersionID)

	if err := s.upsertFileRecord(ctx, cand, version); err != nil {
		return nil, nil, err
	}
	if err := s.meta.CreateVersion(ctx, version, newHeads); err != nil {
		return nil, nil, err
	}

	s.logger.Info("version created",
		zap.String("file_id", cand.FileID),
		zap.String("version_id", version.VersionID),
		zap.String("created_by", cand.Originator),
		zap.Int("heads", len(newHeads)))

	var conflict *model.Conflict
	if len(survivors) > 0 {
		conflict, err = s.recordConflict(ctx, version, survivors[0])
		if err != nil {
			return nil, nil, err
		}
	}

	if _, err := s.events.Append(ctx, model.EventFileModified, cand.Originator, cand.FileID, cand.Clock, model.FileChangeData{
		VersionID:   version.VersionID,
		Size:        version.Size,
		ContentHash: version.ContentHash,
		FileName:    cand.FileName,
	}); err != nil {
		return nil, nil, err
	}

	return version, conflict, nil
}

func (s *VersionService) upsertFileRecord(ctx context.Context, cand VersionCandidate, version *model.FileVersion) error {
	now := time.Now().UTC()
	file, err := s.meta.GetFile(ctx, cand.FileID)
	if errors.Is(err, store.ErrNotFound) {
		file = &model.File{
			FileID:    cand.FileID,
			Name:      cand.FileName,
			Path:      cand.Path,
			OwnerNode: cand.Originator,
			CreatedAt: now,
		}
	} else if err != nil {
		return err
	}

	if cand.FileName != "" {
		file.Name = cand.FileName
	}
	if cand.Path != "" {
		file.Path = cand.Path
	}
	file.Size = version.Size
	file.Deleted = false
	file.UpdatedAt = now
	return s.meta.UpsertFile(ctx, file)
}

func (s *VersionService) recordConflict(ctx context.Context, version *model.FileVersion, other *model.FileVersion) (*model.Conflict, error) {
	conflict := &model.Conflict{
		ConflictID: uuid.New().String(),
		FileID:     version.FileID,
		VersionA:   other.VersionID,
		VersionB:   version.VersionID,
		DetectedAt: time.Now().UTC(),
	}
	if err := s.meta.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}

	s.logger.Warn("concurrent versions detected",
		zap.String("file_id", version.FileID),
		zap.String("version_a", conflict.VersionA),
		zap.String("version_b", conflict.VersionB))

	if _, err := s.events.Append(ctx, model.EventConflictDetected, version.CreatedByNode, version.FileID, version.VectorClock, model.ConflictData{
		ConflictID: conflict.ConflictID,
		VersionA:   conflict.VersionA,
		VersionB:   conflict.VersionB,
	}); err != nil {
		return nil, err
	}
	return conflict, nil
}

// Heads returns the current head versions of a file
func (s *VersionService) Heads(ctx context.Context, fileID string) ([]*model.FileVersion, error) {
	heads, err := s.meta.Heads(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, syncerrors.NotFound("file", fileID)
	}
	return heads, nil
}

// PrimaryHead picks the head used when a single version must be served.
// With an unresolved conflict the newest branch wins for display; both
// branches stay queryable through History.
func (s *VersionService) PrimaryHead(ctx context.Context, fileID string) (*model.FileVersion, error) {
	heads, err := s.Heads(ctx, fileID)
	if err != nil {
		return nil, err
	}
	primary := heads[0]
	for _, head := range heads[1:] {
		if head.CreatedAt.After(primary.CreatedAt) {
			primary = head
		}
	}
	return primary, nil
}

// History returns every version of a file in causal order
func (s *VersionService) History(ctx context.Context, fileID string) ([]*model.FileVersion, error) {
	versions, err := s.meta.ListVersions(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, syncerrors.NotFound("file", fileID)
	}
	return s.sortCausal(versions), nil
}

// sortCausal orders versions consistently with happens-before, ties broken
// by (created_at, version_id)
func (s *VersionService) sortCausal(versions []*model.FileVersion) []*model.FileVersion {
	n := len(versions)
	if n <= 1 {
		return versions
	}

	succ := make([][]int, n)
	indegree := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if s.vcService.Compare(versions[i].VectorClock, versions[j].VectorClock) == model.VectorClockBefore {
				succ[i] = append(succ[i], j)
				indegree[j]++
			}
		}
	}

	less := func(a, b int) bool {
		va, vb := versions[a], versions[b]
		if !va.CreatedAt.Equal(vb.CreatedAt) {
			return va.CreatedAt.Before(vb.CreatedAt)
		}
		return va.VersionID < vb.VersionID
	}

	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]*model.FileVersion, 0, n)
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if less(ready[i], ready[best]) {
				best = i
			}
		}
		idx := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, versions[idx])

		for _, next := range succ[idx] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return out
}

// GetVersion returns one version of a file
func (s *VersionService) GetVersion(ctx context.Context, fileID, versionID string) (*model.FileVersion, error) {
	version, err := s.meta.GetVersion(ctx, fileID, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerrors.NotFound("version", versionID)
	}
	return version, err
}

// Content reconstructs the bytes of a version from the chunk store
func (s *VersionService) Content(ctx context.Context, version *model.FileVersion) ([]byte, error) {
	out := make([]byte, 0, version.Size)
	for _, chunk := range version.Chunks {
		data, err := s.chunks.Get(ctx, chunk.Hash)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}

	if hash := ContentHash(out); hash != version.ContentHash {
		return nil, syncerrors.DeltaIntegrity(
			fmt.Sprintf("reconstructed content for version %s hashes to %s, stored hash is %s",
				version.VersionID, hash, version.ContentHash))
	}
	return out, nil
}

// Restore creates a new version whose content equals the named version's.
// The new clock is the originator's tick over the merge of the current head
// clocks, so a restore is an ordinary forward step and history is never
// rewritten.
func (s *VersionService) Restore(ctx context.Context, fileID, versionID, originator string) (*model.FileVersion, error) {
	source, err := s.GetVersion(ctx, fileID, versionID)
	if err != nil {
		return nil, err
	}

	heads, err := s.Heads(ctx, fileID)
	if err != nil {
		return nil, err
	}
	headClocks := make([]model.VectorClock, 0, len(heads))
	for _, head := range heads {
		headClocks = append(headClocks, head.VectorClock)
	}
	clock := s.vcService.MergeReceive(originator, s.vcService.Merge(headClocks...))

	for _, chunk := range source.Chunks {
		if err := s.chunks.Ref(ctx, chunk.Hash); err != nil {
			return nil, err
		}
	}

	version, _, err := s.CreateVersion(ctx, VersionCandidate{
		FileID:      fileID,
		Clock:       clock,
		Chunks:      source.Chunks,
		Size:        source.Size,
		ContentHash: source.ContentHash,
		Originator:  originator,
	})
	if err != nil {
		for _, chunk := range source.Chunks {
			_ = s.chunks.Unref(ctx, chunk.Hash)
		}
		return nil, err
	}

	s.logger.Info("version restored",
		zap.String("file_id", fileID),
		zap.String("restored_from", versionID),
		zap.String("new_version", version.VersionID))
	return version, nil
}

// Diff computes the delta transforming one stored version into another
func (s *VersionService) Diff(ctx context.Context, fileID, fromID, toID string) (*model.Delta, error) {
	from, err := s.GetVersion(ctx, fileID, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.GetVersion(ctx, fileID, toID)
	if err != nil {
		return nil, err
	}

	toContent, err := s.Content(ctx, to)
	if err != nil {
		return nil, err
	}
	return s.delta.ComputeDelta(from.Chunks, toContent), nil
}

// DeleteFile tombstones a file and releases every chunk reference its
// versions hold
func (s *VersionService) DeleteFile(ctx context.Context, fileID, requestedBy string) error {
	lock := s.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.meta.GetFile(ctx, fileID); errors.Is(err, store.ErrNotFound) {
		return syncerrors.NotFound("file", fileID)
	} else if err != nil {
		return err
	}

	versions, err := s.meta.ListVersions(ctx, fileID)
	if err != nil {
		return err
	}

	if err := s.meta.MarkFileDeleted(ctx, fileID); err != nil {
		return err
	}
	for _, version := range versions {
		for _, chunk := range version.Chunks {
			if err := s.chunks.Unref(ctx, chunk.Hash); err != nil {
				s.logger.Warn("failed to release chunk reference",
					zap.String("hash", chunk.Hash),
					zap.Error(err))
			}
		}
	}

	clock := s.vcService.Tick(requestedBy)
	_, err = s.events.Append(ctx, model.EventFileDeleted, requestedBy, fileID, clock, model.FileChangeData{})
	return err
}

// ResolveConflict records the chosen winner and creates a successor version
// that merges both branch clocks, collapsing the head set back to one.
func (s *VersionService) ResolveConflict(ctx context.Context, conflictID, winnerVersionID, resolver string) (*model.FileVersion, error) {
	conflict, err := s.meta.GetConflict(ctx, conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncerrors.NotFound("conflict", conflictID)
	}
	if err != nil {
		return nil, err
	}
	if conflict.Resolved {
		return nil, syncerrors.New(syncerrors.ErrCodeInvalidRequest,
			fmt.Sprintf("conflict %s is already resolved", conflictID))
	}
	if winnerVersionID != conflict.VersionA && winnerVersionID != conflict.VersionB {
		return nil, syncerrors.New(syncerrors.ErrCodeInvalidRequest,
			fmt.Sprintf("winner %s is not a party to conflict %s", winnerVersionID, conflictID))
	}

	winner, err := s.GetVersion(ctx, conflict.FileID, winnerVersionID)
	if err != nil {
		return nil, err
	}
	versionA, err := s.GetVersion(ctx, conflict.FileID, conflict.VersionA)
	if err != nil {
		return nil, err
	}
	versionB, err := s.GetVersion(ctx, conflict.FileID, conflict.VersionB)
	if err != nil {
		return nil, err
	}

	merged := s.vcService.Merge(versionA.VectorClock, versionB.VectorClock)
	clock := s.vcService.MergeReceive(resolver, merged)

	for _, chunk := range winner.Chunks {
		if err := s.chunks.Ref(ctx, chunk.Hash); err != nil {
			return nil, err
		}
	}

	version, _, err := s.CreateVersion(ctx, VersionCandidate{
		FileID:      conflict.FileID,
		Clock:       clock,
		Chunks:      winner.Chunks,
		Size:        winner.Size,
		ContentHash: winner.ContentHash,
		Originator:  resolver,
	})
	if err != nil {
		for _, chunk := range winner.Chunks {
			_ = s.chunks.Unref(ctx, chunk.Hash)
		}
		return nil, err
	}

	if err := s.meta.MarkConflictResolved(ctx, conflictID, winnerVersionID, "manual"); err != nil {
		return nil, err
	}

	if _, err := s.events.Append(ctx, model.EventConflictResolved, resolver, conflict.FileID, clock, model.ConflictData{
		ConflictID: conflictID,
		VersionA:   conflict.VersionA,
		VersionB:   conflict.VersionB,
		Winner:     winnerVersionID,
		Resolution: "manual",
	}); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("winner", winnerVersionID),
		zap.String("successor", version.VersionID))
	return version, nil
}
