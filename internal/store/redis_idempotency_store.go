package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	syncerrors "github.com/a6ar55/file-sync/internal/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxCachedResponse bounds replayed bodies. Upload responses are small
// (version id, clock, delta metrics); anything larger indicates a caller
// abusing the idempotency cache as blob storage.
const maxCachedResponse = 64 * 1024

// defaultIdempotencyTTL applies when the caller passes no TTL
const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyKey identifies one replay-safe write. Keys are scoped by
// operation and originating node so two nodes reusing the same client key
// never collide.
type IdempotencyKey struct {
	Operation string // "upload", "restore", ...
	NodeID    string
	ClientKey string // the caller's Idempotency-Key header value
}

// Validate rejects keys that cannot be safely embedded in a cache namespace
func (k IdempotencyKey) Validate() error {
	if k.Operation == "" || k.NodeID == "" || k.ClientKey == "" {
		return syncerrors.New(syncerrors.ErrCodeInvalidRequest,
			"idempotency key requires operation, node_id, and client key")
	}
	if len(k.ClientKey) > 255 {
		return syncerrors.New(syncerrors.ErrCodeInvalidRequest,
			"idempotency key exceeds 255 bytes")
	}
	if strings.ContainsAny(k.ClientKey, " \t\n") {
		return syncerrors.New(syncerrors.ErrCodeInvalidRequest,
			"idempotency key must not contain whitespace")
	}
	return nil
}

func (k IdempotencyKey) cacheKey() string {
	return fmt.Sprintf("sync:idem:%s:%s:%s", k.Operation, k.NodeID, k.ClientKey)
}

// RedisIdempotencyStore caches coordinator write responses in Redis so a
// retried upload replays the recorded outcome instead of creating a second
// version.
type RedisIdempotencyStore struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewRedisIdempotencyStore connects to Redis and verifies the connection
// before handing the store out.
func NewRedisIdempotencyStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisIdempotencyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, syncerrors.Wrap(syncerrors.ErrCodeTransport,
			fmt.Sprintf("redis at %s:%d is unreachable", host, port), err)
	}

	return &RedisIdempotencyStore{
		client:     client,
		defaultTTL: defaultIdempotencyTTL,
		logger:     logger,
	}, nil
}

// GetResponse returns the cached response body for a key, ErrNotFound when
// the write has not been seen before.
func (s *RedisIdempotencyStore) GetResponse(ctx context.Context, key IdempotencyKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	body, err := s.client.Get(ctx, key.cacheKey()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNotFound
	case err != nil:
		return nil, syncerrors.Wrap(syncerrors.ErrCodeTransport, "idempotency lookup failed", err)
	}

	s.logger.Debug("replaying idempotent response",
		zap.String("operation", key.Operation),
		zap.String("node_id", key.NodeID))
	return body, nil
}

// PutResponse records the response body for a completed write. A zero ttl
// selects the store default.
func (s *RedisIdempotencyStore) PutResponse(ctx context.Context, key IdempotencyKey, body []byte, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(body) > maxCachedResponse {
		return syncerrors.New(syncerrors.ErrCodeInvalidRequest,
			fmt.Sprintf("idempotent response of %d bytes exceeds the %d byte cap", len(body), maxCachedResponse))
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	// SetNX keeps the first recorded outcome; a concurrent retry must not
	// overwrite it with a different version id.
	ok, err := s.client.SetNX(ctx, key.cacheKey(), body, ttl).Result()
	if err != nil {
		return syncerrors.Wrap(syncerrors.ErrCodeTransport, "idempotency record failed", err)
	}
	if !ok {
		s.logger.Debug("idempotent response already recorded",
			zap.String("operation", key.Operation),
			zap.String("node_id", key.NodeID))
	}
	return nil
}

// Invalidate drops a recorded response, letting the next retry execute for
// real. Used when the recorded write was rolled back.
func (s *RedisIdempotencyStore) Invalidate(ctx context.Context, key IdempotencyKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key.cacheKey()).Err(); err != nil {
		return syncerrors.Wrap(syncerrors.ErrCodeTransport, "idempotency invalidate failed", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisIdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisIdempotencyStore) Close() error {
	return s.client.Close()
}
