package service

import (
	"bytes"
	"testing"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/a6ar55/file-sync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testContent(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func TestSignatureBoundaries(t *testing.T) {
	s := NewDeltaService(4096, zap.NewNop())

	t.Run("empty content yields empty signature", func(t *testing.T) {
		assert.Empty(t, s.Signature(nil))
		assert.Empty(t, s.Signature([]byte{}))
	})

	t.Run("single byte yields one chunk of size 1", func(t *testing.T) {
		sig := s.Signature([]byte{0x42})
		require.Len(t, sig, 1)
		assert.Equal(t, 0, sig[0].Index)
		assert.Equal(t, int64(0), sig[0].Offset)
		assert.Equal(t, 1, sig[0].Size)
	})

	t.Run("exact multiple yields only full chunks", func(t *testing.T) {
		sig := s.Signature(testContent(3*4096, 0))
		require.Len(t, sig, 3)
		for i, chunk := range sig {
			assert.Equal(t, i, chunk.Index)
			assert.Equal(t, int64(i*4096), chunk.Offset)
			assert.Equal(t, 4096, chunk.Size)
		}
	})

	t.Run("short final chunk", func(t *testing.T) {
		sig := s.Signature(testContent(4096+100, 0))
		require.Len(t, sig, 2)
		assert.Equal(t, 100, sig[1].Size)
	})
}

func TestDeltaRoundTrip(t *testing.T) {
	s := NewDeltaService(4096, zap.NewNop())

	t.Run("identity delta has no inserts", func(t *testing.T) {
		content := testContent(3*4096, 7)
		delta := s.ComputeDelta(s.Signature(content), content)

		m := s.Metrics(delta)
		assert.Equal(t, 0, m.ChunksInserted)
		assert.Equal(t, 3, m.ChunksCopied)
		assert.Equal(t, int64(0), m.BytesTransferred)

		out, err := s.Apply(content, delta)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(content, out))
	})

	t.Run("arbitrary contents round trip", func(t *testing.T) {
		old := testContent(2*4096+17, 3)
		updated := testContent(5*4096+1, 9)

		delta := s.ComputeDelta(s.Signature(old), updated)
		out, err := s.Apply(old, delta)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(updated, out))
	})

	t.Run("empty to empty", func(t *testing.T) {
		delta := s.ComputeDelta(s.Signature(nil), nil)
		assert.Empty(t, delta.Ops)

		out, err := s.Apply(nil, delta)
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestDeltaMiddleChunkModified(t *testing.T) {
	s := NewDeltaService(4096, zap.NewNop())

	old := testContent(3*4096, 1)
	updated := append([]byte{}, old...)
	copy(updated[4096:2*4096], testContent(4096, 200))

	delta := s.ComputeDelta(s.Signature(old), updated)

	// Copy(0), Insert, Copy(2)
	require.Len(t, delta.Ops, 3)
	assert.Equal(t, model.DeltaCopy, delta.Ops[0].Type)
	assert.Equal(t, 0, delta.Ops[0].FromIndex)
	assert.Equal(t, 1, delta.Ops[0].Count)
	assert.Equal(t, model.DeltaInsert, delta.Ops[1].Type)
	assert.Equal(t, model.DeltaCopy, delta.Ops[2].Type)
	assert.Equal(t, 2, delta.Ops[2].FromIndex)

	m := s.Metrics(delta)
	assert.Equal(t, 3, m.ChunksTotal)
	assert.Equal(t, 2, m.ChunksCopied)
	assert.Equal(t, 1, m.ChunksInserted)
	assert.Equal(t, int64(4096), m.BytesTransferred)
	assert.Equal(t, int64(8192), m.BytesSaved)
	assert.InDelta(t, 0.667, m.CompressionRatio, 0.001)

	out, err := s.Apply(old, delta)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(updated, out))
}

func TestDeltaMergesContiguousCopies(t *testing.T) {
	s := NewDeltaService(4096, zap.NewNop())

	content := testContent(4*4096, 11)
	delta := s.ComputeDelta(s.Signature(content), content)

	// All four chunks collapse into one copy span
	require.Len(t, delta.Ops, 1)
	assert.Equal(t, model.DeltaCopy, delta.Ops[0].Type)
	assert.Equal(t, 0, delta.Ops[0].FromIndex)
	assert.Equal(t, 4, delta.Ops[0].Count)
}

func TestApplyIntegrityChecks(t *testing.T) {
	s := NewDeltaService(4096, zap.NewNop())

	old := testContent(2*4096, 5)
	updated := testContent(2*4096, 50)
	delta := s.ComputeDelta(s.Signature(old), updated)

	t.Run("wrong base is rejected", func(t *testing.T) {
		_, err := s.Apply(testContent(2*4096, 99), delta)
		require.Error(t, err)
		assert.Equal(t, syncerrors.ErrCodeDeltaIntegrity, syncerrors.CodeOf(err))
	})

	t.Run("tampered insert data is rejected", func(t *testing.T) {
		tampered := *delta
		tampered.Ops = append([]model.DeltaOp(nil), delta.Ops...)
		for i, op := range tampered.Ops {
			if op.Type == model.DeltaInsert {
				data := append([]byte(nil), op.Data...)
				data[0] ^= 0xff
				tampered.Ops[i].Data = data
				break
			}
		}
		_, err := s.Apply(old, &tampered)
		require.Error(t, err)
		assert.Equal(t, syncerrors.ErrCodeDeltaIntegrity, syncerrors.CodeOf(err))
	})

	t.Run("declared hash mismatch is rejected", func(t *testing.T) {
		bad := *delta
		bad.ContentHash = ContentHash([]byte("something else"))
		_, err := s.Apply(old, &bad)
		require.Error(t, err)
		assert.Equal(t, syncerrors.ErrCodeDeltaIntegrity, syncerrors.CodeOf(err))
	})
}
