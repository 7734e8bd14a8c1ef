package crdtstorage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix namespaces snapshot keys in Redis.
const defaultKeyPrefix = "textsync:snapshot:"

// RedisStore persists snapshots in Redis, one key per room.
type RedisStore struct {
	// client is the Redis client. Owned by the caller.
	client *redis.Client

	// keyPrefix is prepended to room names to form keys.
	keyPrefix string

	// ttl expires snapshots; zero keeps them forever.
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed store. An empty keyPrefix falls
// back to the default; a non-positive ttl disables expiry.
func NewRedisStore(ctx context.Context, client *redis.Client, keyPrefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	if ttl < 0 {
		ttl = 0
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

// SaveSnapshot stores the snapshot under the room's key.
func (s *RedisStore) SaveSnapshot(ctx context.Context, room string, data []byte) error {
	err := s.client.Set(ctx, s.keyPrefix+room, data, s.ttl).Err()
	return errors.Wrap(err, "failed to save snapshot")
}

// LoadSnapshot reads the snapshot stored under the room's key.
func (s *RedisStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+room).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errSnapshotNotFound(room)
		}
		return nil, errors.Wrap(err, "failed to load snapshot")
	}
	return data, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (s *RedisStore) Close() error {
	return nil
}
