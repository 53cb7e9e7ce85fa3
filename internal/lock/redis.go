package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the stored token matches the
// caller's. Evaluated server-side so the compare and the delete cannot
// interleave with another client.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript renews the lease TTL only when the stored token matches.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisManager implements Manager on a single Redis instance. The TTL bounds
// how long a crashed holder can block a resource.
type RedisManager struct {
	client *redis.Client
}

// NewRedisManager constructs a Redis-backed lock manager.
func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

// Acquire takes the lease with SET NX and a server-generated token.
func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return Handle{}, err
	}
	if !ok {
		return Handle{}, ErrBusy
	}
	return Handle{Key: key, Token: token}, nil
}

// Release frees the lease via compare-and-delete.
func (m *RedisManager) Release(ctx context.Context, h Handle) (bool, error) {
	res, err := releaseScript.Run(ctx, m.client, []string{h.Key}, h.Token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Extend renews the lease via compare-and-extend.
func (m *RedisManager) Extend(ctx context.Context, h Handle, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, m.client, []string{h.Key}, h.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
