package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore backs IdempotencyStore with Redis so multiple
// consumer instances share one deduplication window. Reservations use
// SET NX, which is atomic server-side, and expire after the configured TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a Redis-backed store. prefix namespaces
// the keys (e.g. "projector:idemp:").
func NewRedisIdempotencyStore(client *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Acquire reserves the key with SET NX; exactly one concurrent caller wins.
func (s *RedisIdempotencyStore) Acquire(ctx context.Context, key string) (bool, error) {
	won, err := s.client.SetNX(ctx, s.prefix+key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return won, nil
}

// Release deletes the reservation so a redelivery can win the key again.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency del: %w", err)
	}
	return nil
}
