// Package lock provides short-lived, renewable exclusive leases used to
// serialize balance mutations on a wallet. A lease is identified by its
// resource key and guarded by an opaque holder token; release and extend only
// act when the token still matches, so a holder whose lease silently expired
// cannot stomp on the next holder's lock.
package lock

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrBusy indicates the resource is currently leased by another holder.
// Acquisition is a single non-blocking attempt; callers surface the busy
// condition rather than queueing.
var ErrBusy = errors.New("resource busy")

// Handle identifies a held lease. The token is generated by the manager on
// acquisition and must be presented to release or extend the lease.
type Handle struct {
	Key   string
	Token string
}

// Manager grants exclusive leases keyed by resource identity.
type Manager interface {
	// Acquire attempts to take the lease once, returning ErrBusy on contention.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
	// Release frees the lease if the handle's token still owns it.
	Release(ctx context.Context, h Handle) (bool, error)
	// Extend renews the lease TTL if the handle's token still owns it.
	Extend(ctx context.Context, h Handle, ttl time.Duration) (bool, error)
}

// WalletKey builds the canonical lock key for a wallet.
func WalletKey(walletID string) string {
	return "lock:wallet:" + walletID
}

// AcquireOrdered takes leases on every key in ascending key order, the global
// order that prevents two multi-wallet operations from deadlocking by
// acquiring in opposite orders. If any acquisition fails, already-held leases
// are released before the error is returned.
func AcquireOrdered(ctx context.Context, m Manager, ttl time.Duration, keys ...string) ([]Handle, error) {
	ordered := make([]string, len(keys))
	copy(ordered, keys)
	sort.Strings(ordered)

	handles := make([]Handle, 0, len(ordered))
	for _, key := range ordered {
		h, err := m.Acquire(ctx, key, ttl)
		if err != nil {
			for _, held := range handles {
				m.Release(ctx, held) // nolint:errcheck
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}
