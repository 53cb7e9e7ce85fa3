// Package engine implements the transaction orchestrator: the state machine
// that drives a money movement operation from intake to terminal state while
// coordinating the ledger store, the distributed lock manager, the
// idempotency cache and the external fraud and notification collaborators.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tidepay/tidepay/internal/fraud"
	"github.com/tidepay/tidepay/internal/idempotency"
	"github.com/tidepay/tidepay/internal/ledger"
	"github.com/tidepay/tidepay/internal/lock"
	"github.com/tidepay/tidepay/internal/notification"
)

const (
	defaultLockTTL        = 15 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
)

// Options tunes engine timing behavior.
type Options struct {
	// LockTTL bounds how long a crashed process can hold a wallet lock. It
	// must be generous enough to cover a full operation.
	LockTTL time.Duration
	// IdempotencyTTL is how long terminal outcomes are replayable. It should
	// cover realistic client retry windows.
	IdempotencyTTL time.Duration
}

// Engine orchestrates transfers, deposits and withdrawals. All dependencies
// are injected so tests can substitute in-memory fakes.
type Engine struct {
	store      ledger.Store
	locks      lock.Manager
	cache      idempotency.Cache
	scorer     fraud.Scorer
	dispatcher notification.Dispatcher
	logger     *slog.Logger
	lockTTL    time.Duration
	idemTTL    time.Duration
}

// New constructs an engine.
func New(store ledger.Store, locks lock.Manager, cache idempotency.Cache,
	scorer fraud.Scorer, dispatcher notification.Dispatcher, logger *slog.Logger, opts Options) *Engine {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &Engine{
		store:      store,
		locks:      locks,
		cache:      cache,
		scorer:     scorer,
		dispatcher: dispatcher,
		logger:     logger,
		lockTTL:    opts.LockTTL,
		idemTTL:    opts.IdempotencyTTL,
	}
}

// TransferRequest moves funds between two wallets.
type TransferRequest struct {
	SenderWalletID   string
	ReceiverWalletID string
	Amount           decimal.Decimal
	Description      string
	IdempotencyKey   string
}

// DepositRequest credits a wallet, optionally referencing an external funding
// source.
type DepositRequest struct {
	WalletID       string
	Amount         decimal.Decimal
	Description    string
	ExternalRef    string
	IdempotencyKey string
}

// WithdrawRequest debits a wallet.
type WithdrawRequest struct {
	WalletID       string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// Receipt is the caller-facing result of a completed operation: the terminal
// transaction and its ledger entry children.
type Receipt struct {
	Transaction ledger.Transaction   `json:"transaction"`
	Entries     []ledger.LedgerEntry `json:"entries"`
}

// outcome is the envelope recorded in the idempotency cache: exactly one of
// the two fields is set.
type outcome struct {
	Receipt *Receipt `json:"receipt,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// Transfer moves funds from one wallet to another with exactly-once
// semantics under retries and mutual exclusion per wallet.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if rec, handled, err := e.replayCached(ctx, req.IdempotencyKey); handled {
		return rec, err
	}

	amount := req.Amount
	switch {
	case req.IdempotencyKey == "":
		return nil, failf(KindValidationFailed, "idempotency key is required")
	case !amount.IsPositive():
		return nil, failf(KindValidationFailed, "amount must be positive")
	case req.SenderWalletID == req.ReceiverWalletID:
		return nil, failf(KindValidationFailed, "sender and receiver wallets must differ")
	}

	sender, err := e.resolveActiveWallet(ctx, req.SenderWalletID, "sender")
	if err != nil {
		return nil, err
	}
	receiver, err := e.resolveActiveWallet(ctx, req.ReceiverWalletID, "receiver")
	if err != nil {
		return nil, err
	}
	if sender.Currency != receiver.Currency {
		return nil, failf(KindValidationFailed, "wallets hold different currencies (%s vs %s)", sender.Currency, receiver.Currency)
	}

	handles, err := lock.AcquireOrdered(ctx, e.locks, e.lockTTL,
		lock.WalletKey(sender.ID), lock.WalletKey(receiver.ID))
	if err != nil {
		return nil, e.lockFailure(err)
	}
	defer e.releaseLocks(handles)

	tx, err := e.store.CreateTransaction(ctx, ledger.TransactionDraft{
		Kind:             ledger.KindTransfer,
		Amount:           amount,
		Currency:         sender.Currency,
		SenderWalletID:   sender.ID,
		ReceiverWalletID: receiver.ID,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return e.replayRecorded(ctx, req.IdempotencyKey)
		}
		return nil, e.internal("create transaction", err)
	}

	decision, err := e.scorer.Check(ctx, fraud.Assessment{
		TransactionID: tx.ID,
		ActorID:       sender.OwnerID,
		Amount:        amount,
		Kind:          string(tx.Kind),
	})
	if err != nil {
		// Transient: the transaction stays PENDING for the stale sweep; the
		// caller may retry once the scorer recovers.
		return nil, e.internal("fraud check", err)
	}
	if decision.Flagged {
		return nil, e.failTerminal(ctx, tx.ID, req.IdempotencyKey,
			failf(KindFraudFlagged, "transaction flagged: %s", decision.Reason))
	}

	// Balances read at validation time are stale by now; re-read under lock.
	sender, err = e.freshWallet(ctx, sender.ID)
	if err != nil {
		return nil, err
	}
	receiver, err = e.freshWallet(ctx, receiver.ID)
	if err != nil {
		return nil, err
	}
	if sender.Balance.LessThan(amount) {
		return nil, e.failTerminal(ctx, tx.ID, req.IdempotencyKey,
			failf(KindInsufficientFunds, "available %s is less than %s", sender.Balance, amount))
	}

	if _, err := e.store.UpdateTransactionStatus(ctx, tx.ID, ledger.StatusProcessing, ""); err != nil {
		return nil, e.internal("mark processing", err)
	}

	now := time.Now().UTC()
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("transfer %s -> %s", sender.ID, receiver.ID)
	}
	senderAfter := sender.Balance.Sub(amount)
	receiverAfter := receiver.Balance.Add(amount)
	entries := []ledger.LedgerEntry{
		{
			ID: uuid.NewString(), WalletID: sender.ID, TransactionID: tx.ID,
			Type: ledger.EntryDebit, Amount: amount,
			BalanceBefore: sender.Balance, BalanceAfter: senderAfter,
			Description: description, CreatedAt: now,
		},
		{
			ID: uuid.NewString(), WalletID: receiver.ID, TransactionID: tx.ID,
			Type: ledger.EntryCredit, Amount: amount,
			BalanceBefore: receiver.Balance, BalanceAfter: receiverAfter,
			Description: description, CreatedAt: now,
		},
	}

	err = e.store.ApplyMutation(ctx, ledger.Mutation{
		TransactionID: tx.ID,
		Status:        ledger.StatusCompleted,
		ProcessedAt:   now,
		Entries:       entries,
		Balances: []ledger.BalanceUpdate{
			{WalletID: sender.ID, NewBalance: senderAfter},
			{WalletID: receiver.ID, NewBalance: receiverAfter},
		},
	})
	if err != nil {
		return nil, e.internal("commit transfer", err)
	}

	tx.Status = ledger.StatusCompleted
	tx.ProcessedAt = &now
	receipt := &Receipt{Transaction: tx, Entries: entries}
	e.cacheOutcome(ctx, req.IdempotencyKey, outcome{Receipt: receipt})

	e.notify(sender.OwnerID, "Transfer sent",
		fmt.Sprintf("You sent %s %s to wallet %s", amount, tx.Currency, receiver.ID))
	e.notify(receiver.OwnerID, "Transfer received",
		fmt.Sprintf("You received %s %s from wallet %s", amount, tx.Currency, sender.ID))

	return receipt, nil
}

// Deposit credits a wallet with a single ledger entry.
func (e *Engine) Deposit(ctx context.Context, req DepositRequest) (*Receipt, error) {
	if rec, handled, err := e.replayCached(ctx, req.IdempotencyKey); handled {
		return rec, err
	}
	if f := validateSingleWallet(req.IdempotencyKey, req.Amount); f != nil {
		return nil, f
	}

	wallet, err := e.resolveActiveWallet(ctx, req.WalletID, "wallet")
	if err != nil {
		return nil, err
	}

	handle, err := e.locks.Acquire(ctx, lock.WalletKey(wallet.ID), e.lockTTL)
	if err != nil {
		return nil, e.lockFailure(err)
	}
	defer e.releaseLocks([]lock.Handle{handle})

	tx, err := e.store.CreateTransaction(ctx, ledger.TransactionDraft{
		Kind:             ledger.KindDeposit,
		Amount:           req.Amount,
		Currency:         wallet.Currency,
		ReceiverWalletID: wallet.ID,
		IdempotencyKey:   req.IdempotencyKey,
		ExternalRef:      req.ExternalRef,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return e.replayRecorded(ctx, req.IdempotencyKey)
		}
		return nil, e.internal("create transaction", err)
	}

	wallet, err = e.freshWallet(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	description := req.Description
	if description == "" {
		description = "deposit"
	}
	after := wallet.Balance.Add(req.Amount)
	entries := []ledger.LedgerEntry{{
		ID: uuid.NewString(), WalletID: wallet.ID, TransactionID: tx.ID,
		Type: ledger.EntryCredit, Amount: req.Amount,
		BalanceBefore: wallet.Balance, BalanceAfter: after,
		Description: description, CreatedAt: now,
	}}

	err = e.store.ApplyMutation(ctx, ledger.Mutation{
		TransactionID: tx.ID,
		Status:        ledger.StatusCompleted,
		ProcessedAt:   now,
		Entries:       entries,
		Balances:      []ledger.BalanceUpdate{{WalletID: wallet.ID, NewBalance: after}},
	})
	if err != nil {
		return nil, e.internal("commit deposit", err)
	}

	tx.Status = ledger.StatusCompleted
	tx.ProcessedAt = &now
	receipt := &Receipt{Transaction: tx, Entries: entries}
	e.cacheOutcome(ctx, req.IdempotencyKey, outcome{Receipt: receipt})

	e.notify(wallet.OwnerID, "Deposit received",
		fmt.Sprintf("Your wallet was credited %s %s", req.Amount, tx.Currency))

	return receipt, nil
}

// Withdraw debits a wallet after a fraud check and a fresh balance check
// under the wallet's lock.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (*Receipt, error) {
	if rec, handled, err := e.replayCached(ctx, req.IdempotencyKey); handled {
		return rec, err
	}
	if f := validateSingleWallet(req.IdempotencyKey, req.Amount); f != nil {
		return nil, f
	}

	wallet, err := e.resolveActiveWallet(ctx, req.WalletID, "wallet")
	if err != nil {
		return nil, err
	}

	handle, err := e.locks.Acquire(ctx, lock.WalletKey(wallet.ID), e.lockTTL)
	if err != nil {
		return nil, e.lockFailure(err)
	}
	defer e.releaseLocks([]lock.Handle{handle})

	tx, err := e.store.CreateTransaction(ctx, ledger.TransactionDraft{
		Kind:           ledger.KindWithdrawal,
		Amount:         req.Amount,
		Currency:       wallet.Currency,
		SenderWalletID: wallet.ID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			return e.replayRecorded(ctx, req.IdempotencyKey)
		}
		return nil, e.internal("create transaction", err)
	}

	decision, err := e.scorer.Check(ctx, fraud.Assessment{
		TransactionID: tx.ID,
		ActorID:       wallet.OwnerID,
		Amount:        req.Amount,
		Kind:          string(tx.Kind),
	})
	if err != nil {
		return nil, e.internal("fraud check", err)
	}
	if decision.Flagged {
		return nil, e.failTerminal(ctx, tx.ID, req.IdempotencyKey,
			failf(KindFraudFlagged, "transaction flagged: %s", decision.Reason))
	}

	wallet, err = e.freshWallet(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance.LessThan(req.Amount) {
		return nil, e.failTerminal(ctx, tx.ID, req.IdempotencyKey,
			failf(KindInsufficientFunds, "available %s is less than %s", wallet.Balance, req.Amount))
	}

	if _, err := e.store.UpdateTransactionStatus(ctx, tx.ID, ledger.StatusProcessing, ""); err != nil {
		return nil, e.internal("mark processing", err)
	}

	now := time.Now().UTC()
	description := req.Description
	if description == "" {
		description = "withdrawal"
	}
	after := wallet.Balance.Sub(req.Amount)
	entries := []ledger.LedgerEntry{{
		ID: uuid.NewString(), WalletID: wallet.ID, TransactionID: tx.ID,
		Type: ledger.EntryDebit, Amount: req.Amount,
		BalanceBefore: wallet.Balance, BalanceAfter: after,
		Description: description, CreatedAt: now,
	}}

	err = e.store.ApplyMutation(ctx, ledger.Mutation{
		TransactionID: tx.ID,
		Status:        ledger.StatusCompleted,
		ProcessedAt:   now,
		Entries:       entries,
		Balances:      []ledger.BalanceUpdate{{WalletID: wallet.ID, NewBalance: after}},
	})
	if err != nil {
		return nil, e.internal("commit withdrawal", err)
	}

	tx.Status = ledger.StatusCompleted
	tx.ProcessedAt = &now
	receipt := &Receipt{Transaction: tx, Entries: entries}
	e.cacheOutcome(ctx, req.IdempotencyKey, outcome{Receipt: receipt})

	e.notify(wallet.OwnerID, "Withdrawal processed",
		fmt.Sprintf("Your wallet was debited %s %s", req.Amount, tx.Currency))

	return receipt, nil
}

// GetReceipt fetches a transaction with its ledger entries.
func (e *Engine) GetReceipt(ctx context.Context, txID string) (*Receipt, error) {
	tx, err := e.store.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return nil, failf(KindNotFound, "transaction %s not found", txID)
		}
		return nil, e.internal("get transaction", err)
	}
	entries, err := e.store.EntriesForTransaction(ctx, tx.ID)
	if err != nil {
		return nil, e.internal("get entries", err)
	}
	return &Receipt{Transaction: tx, Entries: entries}, nil
}

// CreateWallet provisions an ACTIVE zero-balance wallet.
func (e *Engine) CreateWallet(ctx context.Context, ownerID, currency string) (*ledger.Wallet, error) {
	if ownerID == "" {
		return nil, failf(KindValidationFailed, "owner id is required")
	}
	currency = strings.ToUpper(currency)
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return nil, failf(KindValidationFailed, "currency must be a 3-letter code")
	}

	w := ledger.Wallet{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   decimal.Zero,
		Status:    ledger.WalletActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateWallet(ctx, w); err != nil {
		return nil, e.internal("create wallet", err)
	}
	return &w, nil
}

// GetWallet fetches wallet metadata and its cached balance.
func (e *Engine) GetWallet(ctx context.Context, id string) (*ledger.Wallet, error) {
	w, err := e.store.GetWallet(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return nil, failf(KindNotFound, "wallet %s not found", id)
		}
		return nil, e.internal("get wallet", err)
	}
	return &w, nil
}

func validateSingleWallet(idempotencyKey string, amount decimal.Decimal) *Failure {
	if idempotencyKey == "" {
		return failf(KindValidationFailed, "idempotency key is required")
	}
	if !amount.IsPositive() {
		return failf(KindValidationFailed, "amount must be positive")
	}
	return nil
}

func (e *Engine) resolveActiveWallet(ctx context.Context, id, role string) (ledger.Wallet, error) {
	if id == "" {
		return ledger.Wallet{}, failf(KindValidationFailed, "%s wallet id is required", role)
	}
	w, err := e.store.GetWallet(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return ledger.Wallet{}, failf(KindNotFound, "%s wallet %s not found", role, id)
		}
		return ledger.Wallet{}, e.internal("get wallet", err)
	}
	if w.Status != ledger.WalletActive {
		return ledger.Wallet{}, failf(KindWalletNotActive, "%s wallet %s is %s", role, id, w.Status)
	}
	return w, nil
}

func (e *Engine) freshWallet(ctx context.Context, id string) (ledger.Wallet, error) {
	w, err := e.store.GetWallet(ctx, id)
	if err != nil {
		return ledger.Wallet{}, e.internal("re-read wallet", err)
	}
	return w, nil
}

func (e *Engine) lockFailure(err error) error {
	if errors.Is(err, lock.ErrBusy) {
		return failf(KindResourceBusy, "wallet is busy, try again")
	}
	return e.internal("acquire lock", err)
}

func (e *Engine) releaseLocks(handles []lock.Handle) {
	// Release runs on its own context so a cancelled request cannot leak a
	// lock for its full TTL.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, h := range handles {
		if _, err := e.locks.Release(ctx, h); err != nil {
			e.logger.Warn("lock release failed", "key", h.Key, "error", err)
		}
	}
}

// failTerminal records a policy failure: the transaction moves to FAILED and
// the outcome is cached so retries replay the same negative result.
func (e *Engine) failTerminal(ctx context.Context, txID, idempotencyKey string, f *Failure) error {
	if _, err := e.store.UpdateTransactionStatus(ctx, txID, ledger.StatusFailed, f.reason()); err != nil {
		e.logger.Error("mark transaction failed", "transaction_id", txID, "error", err)
	}
	if f.Cacheable() {
		e.cacheOutcome(ctx, idempotencyKey, outcome{Failure: f})
	}
	return f
}

// replayCached short-circuits on an idempotency cache hit. No locks are taken
// and no writes happen on this path.
func (e *Engine) replayCached(ctx context.Context, key string) (*Receipt, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	payload, found, err := e.cache.Lookup(ctx, key)
	if err != nil {
		return nil, true, e.internal("idempotency lookup", err)
	}
	if !found {
		return nil, false, nil
	}
	var o outcome
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, true, e.internal("decode cached outcome", err)
	}
	if o.Failure != nil {
		return nil, true, o.Failure
	}
	return o.Receipt, true, nil
}

// replayRecorded reconstructs the outcome from the transaction row when the
// cache entry is gone but the idempotency key already exists in the store.
func (e *Engine) replayRecorded(ctx context.Context, key string) (*Receipt, error) {
	tx, err := e.store.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, e.internal("replay recorded transaction", err)
	}
	switch tx.Status {
	case ledger.StatusCompleted:
		entries, err := e.store.EntriesForTransaction(ctx, tx.ID)
		if err != nil {
			return nil, e.internal("replay recorded entries", err)
		}
		return &Receipt{Transaction: tx, Entries: entries}, nil
	case ledger.StatusFailed:
		return nil, failureFromReason(tx.FailureReason)
	default:
		return nil, failf(KindResourceBusy, "request with this idempotency key is still in flight")
	}
}

func (e *Engine) cacheOutcome(ctx context.Context, key string, o outcome) {
	payload, err := json.Marshal(o)
	if err != nil {
		e.logger.Error("encode outcome", "idempotency_key", key, "error", err)
		return
	}
	if err := e.cache.Store(ctx, key, payload, e.idemTTL); err != nil {
		// The transaction row still guards replays via its unique key.
		e.logger.Warn("idempotency store failed", "idempotency_key", key, "error", err)
	}
}

func (e *Engine) notify(userID, subject, message string) {
	if e.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.dispatcher.Enqueue(ctx, notification.Notification{UserID: userID, Subject: subject, Message: message}); err != nil {
		e.logger.Warn("notification enqueue failed", "user_id", userID, "error", err)
	}
}

func (e *Engine) internal(op string, err error) *Failure {
	e.logger.Error(op, "error", err)
	return failf(KindInternal, "temporary failure, try again")
}
