// Package idempotency maps a client-supplied idempotency key to the recorded
// terminal outcome of an operation, so retried requests replay the identical
// result instead of re-running side effects.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idempotency:v1:"

// Cache stores terminal operation results keyed by idempotency key. Lookup
// must run before any side-effecting work; Store only after the operation
// reached a terminal state.
type Cache interface {
	// Lookup returns the recorded payload and whether the key was found.
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
	// Store records the payload for the key with a TTL covering realistic
	// client retry windows.
	Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a Redis-backed idempotency cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Lookup fetches a previously recorded result.
func (c *RedisCache) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// Store records a terminal result.
func (c *RedisCache) Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}
