package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresStore persists wallets, transactions and ledger entries in
// PostgreSQL. Amounts are NUMERIC columns round-tripped through text so no
// floating point representation ever touches a balance.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateWallet inserts a wallet record.
func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet) error {
	walletID, err := uuid.Parse(w.ID)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO wallets (id, owner_id, currency, balance, status, created_at)
        VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		walletID, w.OwnerID, w.Currency, w.Balance.String(), string(w.Status), w.CreatedAt.UTC())
	return err
}

// GetWallet fetches a wallet by identifier.
func (s *PostgresStore) GetWallet(ctx context.Context, id string) (Wallet, error) {
	walletID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrWalletNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT id, owner_id, currency, balance::text, status, created_at
        FROM wallets WHERE id = $1`, walletID)

	var w Wallet
	var idVal uuid.UUID
	var balance string
	var status string
	var createdAt time.Time
	if err := row.Scan(&idVal, &w.OwnerID, &w.Currency, &balance, &status, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	w.ID = idVal.String()
	w.Status = WalletStatus(status)
	w.CreatedAt = createdAt.UTC()
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return Wallet{}, fmt.Errorf("parse balance for wallet %s: %w", id, err)
	}
	return w, nil
}

// CreateTransaction inserts a transaction in PENDING state.
func (s *PostgresStore) CreateTransaction(ctx context.Context, draft TransactionDraft) (Transaction, error) {
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

	_, err := s.db.Exec(ctx, `INSERT INTO transactions
        (id, kind, amount, currency, status, sender_wallet_id, receiver_wallet_id, idempotency_key, external_ref, created_at)
        VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.MustParse(tx.ID), string(tx.Kind), tx.Amount.String(), tx.Currency, string(tx.Status),
		nullableID(tx.SenderWalletID), nullableID(tx.ReceiverWalletID), tx.IdempotencyKey,
		nullableString(tx.ExternalRef), tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
		return Transaction{}, err
	}
	return tx, nil
}

// UpdateTransactionStatus transitions a transaction, refusing to move out of
// a terminal state.
func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus, failureReason string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}

	tag, err := s.db.Exec(ctx, `UPDATE transactions
        SET status = $2, failure_reason = COALESCE(NULLIF($3, ''), failure_reason)
        WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'REVERSED')`,
		txID, string(status), failureReason)
	if err != nil {
		return Transaction{}, err
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.GetTransaction(ctx, id)
		if getErr != nil {
			return Transaction{}, getErr
		}
		return current, ErrTerminalStatus
	}
	return s.GetTransaction(ctx, id)
}

// GetTransaction fetches a transaction by identifier.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	txID, err := uuid.Parse(id)
	if err != nil {
		return Transaction{}, ErrTransactionNotFound
	}
	return s.scanTransaction(s.db.QueryRow(ctx, transactionQuery+` WHERE id = $1`, txID))
}

// GetTransactionByIdempotencyKey fetches the transaction recorded for a
// client idempotency key, if any.
func (s *PostgresStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (Transaction, error) {
	return s.scanTransaction(s.db.QueryRow(ctx, transactionQuery+` WHERE idempotency_key = $1`, key))
}

const transactionQuery = `SELECT id, kind, amount::text, currency, status,
    sender_wallet_id, receiver_wallet_id, idempotency_key, external_ref, failure_reason,
    created_at, processed_at
    FROM transactions`

func (s *PostgresStore) scanTransaction(row pgx.Row) (Transaction, error) {
	var tx Transaction
	var idVal uuid.UUID
	var kind, amount, status string
	var sender, receiver *uuid.UUID
	var externalRef, failureReason *string
	var createdAt time.Time
	var processedAt *time.Time

	err := row.Scan(&idVal, &kind, &amount, &tx.Currency, &status,
		&sender, &receiver, &tx.IdempotencyKey, &externalRef, &failureReason,
		&createdAt, &processedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}

	tx.ID = idVal.String()
	tx.Kind = TransactionKind(kind)
	tx.Status = TransactionStatus(status)
	tx.CreatedAt = createdAt.UTC()
	if processedAt != nil {
		t := processedAt.UTC()
		tx.ProcessedAt = &t
	}
	if sender != nil {
		tx.SenderWalletID = sender.String()
	}
	if receiver != nil {
		tx.ReceiverWalletID = receiver.String()
	}
	if externalRef != nil {
		tx.ExternalRef = *externalRef
	}
	if failureReason != nil {
		tx.FailureReason = *failureReason
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse amount for transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

// EntriesForTransaction lists the ledger entries posted for a transaction.
func (s *PostgresStore) EntriesForTransaction(ctx context.Context, txID string) ([]LedgerEntry, error) {
	id, err := uuid.Parse(txID)
	if err != nil {
		return nil, ErrTransactionNotFound
	}
	rows, err := s.db.Query(ctx, `SELECT id, wallet_id, transaction_id, entry_type,
        amount::text, balance_before::text, balance_after::text, description, created_at
        FROM ledger_entries WHERE transaction_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var entryID, walletID, transactionID uuid.UUID
		var entryType, amount, before, after string
		var createdAt time.Time
		if err := rows.Scan(&entryID, &walletID, &transactionID, &entryType,
			&amount, &before, &after, &e.Description, &createdAt); err != nil {
			return nil, err
		}
		e.ID = entryID.String()
		e.WalletID = walletID.String()
		e.TransactionID = transactionID.String()
		e.Type = EntryType(entryType)
		e.CreatedAt = createdAt.UTC()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, err
		}
		if e.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyMutation writes the entries, balance updates and terminal status in a
// single database transaction. This is the only code path that changes a
// wallet balance.
func (s *PostgresStore) ApplyMutation(ctx context.Context, m Mutation) error {
	txID, err := uuid.Parse(m.TransactionID)
	if err != nil {
		return ErrTransactionNotFound
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, entry := range m.Entries {
		_, err := tx.Exec(ctx, `INSERT INTO ledger_entries
            (id, wallet_id, transaction_id, entry_type, amount, balance_before, balance_after, description, created_at)
            VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9)`,
			uuid.MustParse(entry.ID), uuid.MustParse(entry.WalletID), txID, string(entry.Type),
			entry.Amount.String(), entry.BalanceBefore.String(), entry.BalanceAfter.String(),
			entry.Description, entry.CreatedAt.UTC())
		if err != nil {
			return err
		}
	}

	for _, update := range m.Balances {
		tag, err := tx.Exec(ctx, `UPDATE wallets SET balance = $2::numeric WHERE id = $1`,
			uuid.MustParse(update.WalletID), update.NewBalance.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrWalletNotFound
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE transactions SET status = $2, processed_at = $3
        WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'REVERSED')`,
		txID, string(m.Status), m.ProcessedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminalStatus
	}

	return tx.Commit(ctx)
}

// FailStalePending sweeps transactions stuck before their atomic commit.
func (s *PostgresStore) FailStalePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE transactions
        SET status = 'FAILED', failure_reason = 'stale transaction swept'
        WHERE status IN ('PENDING', 'PROCESSING') AND created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullableID(id string) *uuid.UUID {
	if id == "" {
		return nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	return &parsed
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
