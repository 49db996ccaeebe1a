package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKV is the subset of *redis.Client used by RedisStore.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore stores checkpoints in Redis.
type RedisStore struct {
	client   redisKV
	closer   func() error
	prefix   string
	ttl      time.Duration
	maxBytes int
}

// NewRedisStore initializes a Redis-backed Store.
func NewRedisStore(addr, prefix string, ttl time.Duration, maxBytes int) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStore{
		client:   client,
		closer:   client.Close,
		prefix:   prefix,
		ttl:      ttl,
		maxBytes: maxBytes,
	}
}

func newRedisStoreWithClient(client redisKV, prefix string, ttl time.Duration, maxBytes int) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, maxBytes: maxBytes}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *RedisStore) key(ownerID string) string {
	return s.prefix + ownerID
}

func (s *RedisStore) Get(ctx context.Context, ownerID string) (Checkpoint, bool, error) {
	val, err := s.client.Get(ctx, s.key(ownerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("checkpoint redis: get: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(val), &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint redis: unmarshal: %w", err)
	}
	return cp, true, nil
}

func (s *RedisStore) Set(ctx context.Context, cp Checkpoint) error {
	if cp.OwnerID == "" {
		return fmt.Errorf("checkpoint redis: empty owner id")
	}
	payload, err := encode(cp, s.maxBytes)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(cp.OwnerID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("checkpoint redis: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, ownerID string) error {
	if err := s.client.Del(ctx, s.key(ownerID)).Err(); err != nil {
		return fmt.Errorf("checkpoint redis: del: %w", err)
	}
	return nil
}
