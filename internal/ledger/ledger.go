package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound occurs when the referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrTransactionNotFound occurs when the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateIdempotencyKey indicates a transaction with the provided
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTerminalStatus indicates an attempt to transition a transaction out
	// of COMPLETED, FAILED or REVERSED.
	ErrTerminalStatus = errors.New("transaction already in terminal status")
)

// TransactionDraft carries the fields needed to create a PENDING transaction.
type TransactionDraft struct {
	Kind             TransactionKind
	Amount           decimal.Decimal
	Currency         string
	SenderWalletID   string
	ReceiverWalletID string
	IdempotencyKey   string
	ExternalRef      string
}

// BalanceUpdate sets a wallet's cached balance to a freshly computed value.
type BalanceUpdate struct {
	WalletID   string
	NewBalance decimal.Decimal
}

// Mutation is the atomic unit that financially commits a transaction: ledger
// entries, the matching wallet balance updates and the terminal status all
// land together or not at all.
type Mutation struct {
	TransactionID string
	Status        TransactionStatus
	ProcessedAt   time.Time
	Entries       []LedgerEntry
	Balances      []BalanceUpdate
}

// Store is the persistence contract for wallets, transactions and ledger
// entries. ApplyMutation must be all-or-nothing; a backend that cannot
// guarantee that is not a valid Store.
type Store interface {
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id string) (Wallet, error)

	CreateTransaction(ctx context.Context, draft TransactionDraft) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus, failureReason string) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (Transaction, error)
	EntriesForTransaction(ctx context.Context, txID string) ([]LedgerEntry, error)

	ApplyMutation(ctx context.Context, m Mutation) error

	// FailStalePending marks non-terminal transactions created before the
	// cutoff as FAILED and returns how many were swept. Safe because no
	// ledger entries exist for a transaction until ApplyMutation commits.
	FailStalePending(ctx context.Context, cutoff time.Time) (int64, error)
}
