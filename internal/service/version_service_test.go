package service

import (
	"context"
	"testing"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateVersionMissingChunk(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")

	content := testContent(4096, 1)
	signature := f.delta.Signature(content)
	// Chunk bodies intentionally not stored

	_, _, err := f.versions.CreateVersion(context.Background(), VersionCandidate{
		FileID:      "file-1",
		Clock:       f.vc.Tick("n1"),
		Chunks:      signature,
		Size:        int64(len(content)),
		ContentHash: ContentHash(content),
		Originator:  "n1",
	})
	require.Error(t, err)
	assert.Equal(t, syncerrors.ErrCodeMissingChunk, syncerrors.CodeOf(err))
}

func TestCreateVersionStaleClockRejected(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")

	f.uploadContent(t, "file-1", "n1", testContent(4096, 1), nil)
	f.uploadContent(t, "file-1", "n1", testContent(4096, 2), nil)

	// A clock strictly below the current head
	content := testContent(4096, 3)
	signature := f.delta.Signature(content)
	for _, chunk := range signature {
		_, err := f.chunks.Put(context.Background(), content[chunk.Offset:chunk.Offset+int64(chunk.Size)])
		require.NoError(t, err)
	}

	_, _, err := f.versions.CreateVersion(context.Background(), VersionCandidate{
		FileID:      "file-1",
		Clock:       model.VectorClock{"n1": 1},
		Chunks:      signature,
		Size:        int64(len(content)),
		ContentHash: ContentHash(content),
		Originator:  "n1",
	})
	require.Error(t, err)
	assert.Equal(t, syncerrors.ErrCodeStaleVersion, syncerrors.CodeOf(err))
}

func TestConcurrentVersionsCreateConflict(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")
	f.registerNode(t, "n2")
	f.registerNode(t, "n3")

	base, conflict := f.uploadContent(t, "file-1", "n1", testContent(4096, 1), model.VectorClock{"n1": 1})
	require.Nil(t, conflict)

	// Two modifications from the same base, neither observing the other
	_, conflict = f.uploadContent(t, "file-1", "n2", testContent(4096, 2), model.VectorClock{"n1": 1, "n2": 1})
	require.Nil(t, conflict)

	_, conflict = f.uploadContent(t, "file-1", "n3", testContent(4096, 3), model.VectorClock{"n1": 1, "n3": 1})
	require.NotNil(t, conflict)

	heads, err := f.versions.Heads(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Len(t, heads, 2)

	open, err := f.meta.ListUnresolvedConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	detected := f.eventsOfType(t, model.EventConflictDetected)
	assert.Len(t, detected, 1)

	// Both branches remain queryable via history
	history, err := f.versions.History(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, base.VersionID, history[0].VersionID)
}

func TestHistoryCausalOrder(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")

	v1, _ := f.uploadContent(t, "file-1", "n1", testContent(4096, 1), nil)
	v2, _ := f.uploadContent(t, "file-1", "n1", testContent(4096, 2), nil)
	v3, _ := f.uploadContent(t, "file-1", "n1", testContent(4096, 3), nil)

	history, err := f.versions.History(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, v1.VersionID, history[0].VersionID)
	assert.Equal(t, v2.VersionID, history[1].VersionID)
	assert.Equal(t, v3.VersionID, history[2].VersionID)

	// Each version supersedes its parent
	assert.Equal(t, []string{v1.VersionID}, history[1].ParentIDs)
	assert.Equal(t, []string{v2.VersionID}, history[2].ParentIDs)
}

func TestRestoreCreatesForwardVersion(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")

	contentV1 := testContent(2*4096, 1)
	v1, _ := f.uploadContent(t, "file-1", "n1", contentV1, nil)
	f.uploadContent(t, "file-1", "n1", testContent(2*4096, 2), nil)
	v3, _ := f.uploadContent(t, "file-1", "n1", testContent(2*4096, 3), nil)

	restored, err := f.versions.Restore(context.Background(), "file-1", v1.VersionID, "n1")
	require.NoError(t, err)

	// Content equals V1's, clock advances past V3's
	content, err := f.versions.Content(context.Background(), restored)
	require.NoError(t, err)
	assert.Equal(t, contentV1, content)
	assert.Equal(t, model.VectorClockAfter, f.vc.Compare(restored.VectorClock, v3.VectorClock))

	heads, err := f.versions.Heads(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, restored.VersionID, heads[0].VersionID)

	history, err := f.versions.History(context.Background(), "file-1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
	assert.Equal(t, restored.VersionID, history[3].VersionID)
}

func TestResolveConflictCollapsesHeads(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")
	f.registerNode(t, "n2")
	f.registerNode(t, "n3")

	f.uploadContent(t, "file-1", "n1", testContent(4096, 1), model.VectorClock{"n1": 1})
	winner, _ := f.uploadContent(t, "file-1", "n2", testContent(4096, 2), model.VectorClock{"n1": 1, "n2": 1})
	_, conflict := f.uploadContent(t, "file-1", "n3", testContent(4096, 3), model.VectorClock{"n1": 1, "n3": 1})
	require.NotNil(t, conflict)

	successor, err := f.versions.ResolveConflict(context.Background(), conflict.ConflictID, winner.VersionID, "n1")
	require.NoError(t, err)

	heads, err := f.versions.Heads(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, successor.VersionID, heads[0].VersionID)

	// Successor dominates both branches
	assert.Equal(t, model.VectorClockAfter, f.vc.Compare(successor.VectorClock, model.VectorClock{"n1": 1, "n2": 1}))
	assert.Equal(t, model.VectorClockAfter, f.vc.Compare(successor.VectorClock, model.VectorClock{"n1": 1, "n3": 1}))

	open, err := f.meta.ListUnresolvedConflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved := f.eventsOfType(t, model.EventConflictResolved)
	require.Len(t, resolved, 1)

	// Winner content carried forward
	content, err := f.versions.Content(context.Background(), successor)
	require.NoError(t, err)
	assert.Equal(t, testContent(4096, 2), content)
}

func TestDeleteFileReleasesChunks(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")

	content := testContent(2*4096, 1)
	f.uploadContent(t, "file-1", "n1", content, nil)

	stats, err := f.chunks.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Chunks)

	require.NoError(t, f.versions.DeleteFile(context.Background(), "file-1", "n1"))

	stats, err = f.chunks.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Chunks)

	_, err = f.meta.ListFiles(context.Background(), false)
	require.NoError(t, err)

	deleted := f.eventsOfType(t, model.EventFileDeleted)
	assert.Len(t, deleted, 1)
}

func TestDiffBetweenVersions(t *testing.T) {
	f := newFixture(t)
	f.registerNode(t, "n1")

	old := testContent(3*4096, 1)
	v1, _ := f.uploadContent(t, "file-1", "n1", old, nil)

	updated := append([]byte{}, old...)
	copy(updated[4096:2*4096], testContent(4096, 99))
	v2, _ := f.uploadContent(t, "file-1", "n1", updated, nil)

	delta, err := f.versions.Diff(context.Background(), "file-1", v1.VersionID, v2.VersionID)
	require.NoError(t, err)

	m := f.delta.Metrics(delta)
	assert.Equal(t, 1, m.ChunksInserted)
	assert.Equal(t, 2, m.ChunksCopied)
}
