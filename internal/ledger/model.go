package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletStatus describes the lifecycle state of a wallet.
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

// TransactionKind enumerates the supported money movement operations.
type TransactionKind string

const (
	KindTransfer   TransactionKind = "TRANSFER"
	KindDeposit    TransactionKind = "DEPOSIT"
	KindWithdrawal TransactionKind = "WITHDRAWAL"
)

// TransactionStatus enumerates the transaction state machine.
// COMPLETED, FAILED and REVERSED are terminal. REVERSED is written by an
// external reversal workflow, never by this engine.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusReversed   TransactionStatus = "REVERSED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusReversed:
		return true
	default:
		return false
	}
}

// EntryType distinguishes the two sides of a double-entry posting.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Wallet is a stored-value account. Balance is a cached aggregate of the
// wallet's ledger entries and is only mutated through ApplyMutation while the
// wallet's lock is held.
type Wallet struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Status    WalletStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transaction is the permanent record of a money movement intent and its
// outcome. Rows are never deleted.
type Transaction struct {
	ID               string            `json:"id"`
	Kind             TransactionKind   `json:"kind"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           TransactionStatus `json:"status"`
	SenderWalletID   string            `json:"sender_wallet_id,omitempty"`
	ReceiverWalletID string            `json:"receiver_wallet_id,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key"`
	ExternalRef      string            `json:"external_ref,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty"`
}

// LedgerEntry records one side of a balance change, with balance snapshots
// taken at posting time. Entries are append-only.
type LedgerEntry struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"wallet_id"`
	TransactionID string          `json:"transaction_id"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}
