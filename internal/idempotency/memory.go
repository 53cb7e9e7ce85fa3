package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	payload []byte
	expiry  time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewInMemory creates an in-process cache for unit tests.
func NewInMemory() Cache {
	return &memoryCache{entries: make(map[string]memoryEntry)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiry) {
		return nil, false, nil
	}
	payload := make([]byte, len(entry.payload))
	copy(payload, entry.payload)
	return payload, true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(payload))
	copy(stored, payload)
	c.entries[key] = memoryEntry{payload: stored, expiry: time.Now().Add(ttl)}
	return nil
}
