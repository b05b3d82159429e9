package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chunkStores(t *testing.T) map[string]ChunkStore {
	t.Helper()

	badgerStore, err := NewBadgerChunkStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]ChunkStore{
		"memory": NewMemoryChunkStore(),
		"badger": badgerStore,
	}
}

func TestChunkStorePutGet(t *testing.T) {
	for name, cs := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello chunk store")

			hash, err := cs.Put(ctx, data)
			require.NoError(t, err)

			sum := sha256.Sum256(data)
			assert.Equal(t, hex.EncodeToString(sum[:]), hash)

			got, err := cs.Get(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := cs.Has(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)

			stats, err := cs.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Chunks)
		})
	}
}

func TestChunkStoreRefCounting(t *testing.T) {
	for name, cs := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("refcounted bytes")

			hash, err := cs.Put(ctx, data)
			require.NoError(t, err)

			// Repeated put of identical bytes does not duplicate storage
			again, err := cs.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, hash, again)

			stats, err := cs.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Chunks)

			require.NoError(t, cs.Ref(ctx, hash))

			// Three references now; entry survives two unrefs
			require.NoError(t, cs.Unref(ctx, hash))
			require.NoError(t, cs.Unref(ctx, hash))
			ok, err := cs.Has(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)

			// Last unref removes the entry
			require.NoError(t, cs.Unref(ctx, hash))
			ok, err = cs.Has(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = cs.Get(ctx, hash)
			assert.Error(t, err)
		})
	}
}

func TestChunkStoreMissingChunk(t *testing.T) {
	for name, cs := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			missing := hex.EncodeToString(make([]byte, 32))

			_, err := cs.Get(ctx, missing)
			assert.Error(t, err)
			assert.Error(t, cs.Ref(ctx, missing))
			assert.Error(t, cs.Unref(ctx, missing))

			ok, err := cs.Has(ctx, missing)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
