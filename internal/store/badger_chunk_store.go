package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"go.uber.org/zap"
)

var (
	chunkBodyPrefix = []byte("c:")
	chunkRefPrefix  = []byte("r:")
)

// BadgerChunkStore is a ChunkStore backed by BadgerDB. Chunk bodies are
// stored under their hex SHA-256 with a sibling refcount key; both are
// written in the same transaction so the invariant that a stored body
// always has a refcount survives crashes.
type BadgerChunkStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerChunkStore opens (or creates) a badger-backed chunk store at dir
func NewBadgerChunkStore(dir string, logger *zap.Logger) (*BadgerChunkStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store at %s: %w", dir, err)
	}

	return &BadgerChunkStore{db: db, logger: logger}, nil
}

func bodyKey(hash string) []byte { return append(append([]byte{}, chunkBodyPrefix...), hash...) }
func refKey(hash string) []byte  { return append(append([]byte{}, chunkRefPrefix...), hash...) }

func encodeRefs(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeRefs(buf []byte) int64 {
	if len(buf) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}

// Put stores the bytes under their SHA-256; repeated puts of the same bytes
// increment the refcount
func (s *BadgerChunkStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	err := s.db.Update(func(txn *badger.Txn) error {
		refs := int64(0)
		item, err := txn.Get(refKey(hash))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				refs = decodeRefs(val)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// first reference, body goes in below
		default:
			return err
		}

		if refs == 0 {
			if err := txn.Set(bodyKey(hash), data); err != nil {
				return err
			}
		}
		return txn.Set(refKey(hash), encodeRefs(refs+1))
	})
	if err != nil {
		return "", fmt.Errorf("failed to store chunk %s: %w", hash, err)
	}
	return hash, nil
}

// Get returns the chunk bytes for a hash
func (s *BadgerChunkStore) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bodyKey(hash))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, syncerrors.MissingChunk(hash)
	}
	if err != nil {
		return nil, err
	}

	// Stored bytes must hash to their key
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, syncerrors.New(syncerrors.ErrCodeInternal,
			fmt.Sprintf("chunk store corruption: body for %s fails hash check", hash))
	}
	return data, nil
}

// Has reports whether the chunk is present
func (s *BadgerChunkStore) Has(ctx context.Context, hash string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(bodyKey(hash))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Ref increments the chunk's reference count
func (s *BadgerChunkStore) Ref(ctx context.Context, hash string) error {
	return s.adjustRefs(hash, 1)
}

// Unref decrements the chunk's reference count, deleting body and counter
// when it reaches zero
func (s *BadgerChunkStore) Unref(ctx context.Context, hash string) error {
	return s.adjustRefs(hash, -1)
}

func (s *BadgerChunkStore) adjustRefs(hash string, delta int64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(refKey(hash))
		if err != nil {
			return err
		}
		var refs int64
		if err := item.Value(func(val []byte) error {
			refs = decodeRefs(val)
			return nil
		}); err != nil {
			return err
		}

		refs += delta
		if refs <= 0 {
			if err := txn.Delete(bodyKey(hash)); err != nil {
				return err
			}
			return txn.Delete(refKey(hash))
		}
		return txn.Set(refKey(hash), encodeRefs(refs))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return syncerrors.MissingChunk(hash)
	}
	return err
}

// Stats iterates the body keys and sums their sizes
func (s *BadgerChunkStore) Stats(ctx context.Context) (ChunkStoreStats, error) {
	var stats ChunkStoreStats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = chunkBodyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			stats.Chunks++
			stats.Bytes += it.Item().ValueSize()
		}
		return nil
	})
	return stats, err
}

// Close closes the underlying badger database
func (s *BadgerChunkStore) Close() error {
	return s.db.Close()
}
