package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type lease struct {
	token  string
	expiry time.Time
}

type inMemoryManager struct {
	mu     sync.Mutex
	leases map[string]lease
}

// NewInMemory creates an in-process lock manager with the same lease
// semantics as the Redis backend, for unit tests.
func NewInMemory() Manager {
	return &inMemoryManager{leases: make(map[string]lease)}
}

func (m *inMemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[key]; ok && time.Now().Before(held.expiry) {
		return Handle{}, ErrBusy
	}
	token := uuid.NewString()
	m.leases[key] = lease{token: token, expiry: time.Now().Add(ttl)}
	return Handle{Key: key, Token: token}, nil
}

func (m *inMemoryManager) Release(_ context.Context, h Handle) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.leases[h.Key]
	if !ok || held.token != h.Token {
		return false, nil
	}
	delete(m.leases, h.Key)
	return true, nil
}

func (m *inMemoryManager) Extend(_ context.Context, h Handle, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.leases[h.Key]
	if !ok || held.token != h.Token || time.Now().After(held.expiry) {
		return false, nil
	}
	held.expiry = time.Now().Add(ttl)
	m.leases[h.Key] = held
	return true, nil
}
