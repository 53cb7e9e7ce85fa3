package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedWallet is a test helper that creates an ACTIVE wallet with the given
// balance when using the in-memory store, returning its id.
func SeedWallet(s Store, ownerID, currency string, balance decimal.Decimal) string {
	mem, ok := s.(*inMemoryStore)
	if !ok {
		return ""
	}
	w := Wallet{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   balance,
		Status:    WalletActive,
		CreatedAt: time.Now().UTC(),
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.wallets[w.ID] = w
	return w.ID
}

// SetWalletStatus is a test helper that flips a wallet's lifecycle status on
// the in-memory store, standing in for the administrative collaborator.
func SetWalletStatus(s Store, id string, status WalletStatus) {
	mem, ok := s.(*inMemoryStore)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if w, exists := mem.wallets[id]; exists {
		w.Status = status
		mem.wallets[id] = w
	}
}

// BackdateTransaction is a test helper that rewinds a transaction's creation
// time on the in-memory store so sweep behavior can be exercised.
func BackdateTransaction(s Store, id string, createdAt time.Time) {
	mem, ok := s.(*inMemoryStore)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if tx, exists := mem.transactions[id]; exists {
		tx.CreatedAt = createdAt
		mem.transactions[id] = tx
	}
}
