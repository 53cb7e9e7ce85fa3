package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu           sync.RWMutex
	wallets      map[string]Wallet
	transactions map[string]Transaction
	byIdemKey    map[string]string
	entries      map[string][]LedgerEntry
}

// NewInMemory creates a concurrency-safe in-memory store with the same
// semantics as the Postgres backend. Useful for unit tests.
func NewInMemory() Store {
	return &inMemoryStore{
		wallets:      make(map[string]Wallet),
		transactions: make(map[string]Transaction),
		byIdemKey:    make(map[string]string),
		entries:      make(map[string][]LedgerEntry),
	}
}

func (s *inMemoryStore) CreateWallet(_ context.Context, w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
	return nil
}

func (s *inMemoryStore) GetWallet(_ context.Context, id string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

func (s *inMemoryStore) CreateTransaction(_ context.Context, draft TransactionDraft) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byIdemKey[draft.IdempotencyKey]; exists {
		return Transaction{}, ErrDuplicateIdempotencyKey
	}

	tx := Transaction{
		ID:               uuid.NewString(),
		Kind:             draft.Kind,
		Amount:           draft.Amount,
		Currency:         draft.Currency,
		Status:           StatusPending,
		SenderWalletID:   draft.SenderWalletID,
		ReceiverWalletID: draft.ReceiverWalletID,
		IdempotencyKey:   draft.IdempotencyKey,
		ExternalRef:      draft.ExternalRef,
		CreatedAt:        time.Now().UTC(),
	}
	s.transactions[tx.ID] = tx
	s.byIdemKey[tx.IdempotencyKey] = tx.ID
	return tx, nil
}

func (s *inMemoryStore) UpdateTransactionStatus(_ context.Context, id string, status TransactionStatus, failureReason string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return tx, ErrTerminalStatus
	}
	tx.Status = status
	if failureReason != "" {
		tx.FailureReason = failureReason
	}
	s.transactions[id] = tx
	return tx, nil
}

func (s *inMemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *inMemoryStore) GetTransactionByIdempotencyKey(_ context.Context, key string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdemKey[key]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.transactions[id], nil
}

func (s *inMemoryStore) EntriesForTransaction(_ context.Context, txID string) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[txID]
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *inMemoryStore) ApplyMutation(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[m.TransactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status.Terminal() {
		return ErrTerminalStatus
	}
	for _, update := range m.Balances {
		if _, ok := s.wallets[update.WalletID]; !ok {
			return ErrWalletNotFound
		}
	}

	s.entries[m.TransactionID] = append(s.entries[m.TransactionID], m.Entries...)
	for _, update := range m.Balances {
		w := s.wallets[update.WalletID]
		w.Balance = update.NewBalance
		s.wallets[update.WalletID] = w
	}
	processedAt := m.ProcessedAt.UTC()
	tx.Status = m.Status
	tx.ProcessedAt = &processedAt
	s.transactions[m.TransactionID] = tx
	return nil
}

func (s *inMemoryStore) FailStalePending(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int64
	for id, tx := range s.transactions {
		if !tx.Status.Terminal() && tx.CreatedAt.Before(cutoff) {
			tx.Status = StatusFailed
			tx.FailureReason = "stale transaction swept"
			s.transactions[id] = tx
			swept++
		}
	}
	return swept, nil
}
