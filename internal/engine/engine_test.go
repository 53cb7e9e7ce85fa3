package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepay/tidepay/internal/fraud"
	"github.com/tidepay/tidepay/internal/idempotency"
	"github.com/tidepay/tidepay/internal/ledger"
	"github.com/tidepay/tidepay/internal/lock"
	"github.com/tidepay/tidepay/internal/logging"
	"github.com/tidepay/tidepay/internal/notification"
)

type scriptedScorer struct {
	mu       sync.Mutex
	calls    int
	decision fraud.Decision
	err      error
}

func (s *scriptedScorer) Check(_ context.Context, _ fraud.Assessment) (fraud.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.decision, s.err
}

func (s *scriptedScorer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type capturingDispatcher struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (d *capturingDispatcher) Enqueue(_ context.Context, n notification.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, n)
	return nil
}

func (d *capturingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type testRig struct {
	engine     *Engine
	store      ledger.Store
	locks      lock.Manager
	cache      idempotency.Cache
	scorer     *scriptedScorer
	dispatcher *capturingDispatcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		store:      ledger.NewInMemory(),
		locks:      lock.NewInMemory(),
		cache:      idempotency.NewInMemory(),
		scorer:     &scriptedScorer{},
		dispatcher: &capturingDispatcher{},
	}
	rig.engine = New(rig.store, rig.locks, rig.cache, rig.scorer, rig.dispatcher, logging.Discard(), Options{})
	return rig
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTransferCompletesWithDoubleEntry(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	receipt, err := rig.engine.Transfer(ctx, TransferRequest{
		SenderWalletID:   sender,
		ReceiverWalletID: receiver,
		Amount:           dec("40.00"),
		IdempotencyKey:   "transfer-1",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusCompleted, receipt.Transaction.Status)
	require.NotNil(t, receipt.Transaction.ProcessedAt)

	senderWallet, _ := rig.store.GetWallet(ctx, sender)
	receiverWallet, _ := rig.store.GetWallet(ctx, receiver)
	assert.True(t, senderWallet.Balance.Equal(dec("60.00")), "sender balance %s", senderWallet.Balance)
	assert.True(t, receiverWallet.Balance.Equal(dec("40.00")), "receiver balance %s", receiverWallet.Balance)

	require.Len(t, receipt.Entries, 2)
	var debit, credit *ledger.LedgerEntry
	for i := range receipt.Entries {
		switch receipt.Entries[i].Type {
		case ledger.EntryDebit:
			debit = &receipt.Entries[i]
		case ledger.EntryCredit:
			credit = &receipt.Entries[i]
		}
	}
	require.NotNil(t, debit)
	require.NotNil(t, credit)
	assert.Equal(t, sender, debit.WalletID)
	assert.Equal(t, receiver, credit.WalletID)
	assert.True(t, debit.Amount.Equal(credit.Amount))
	assert.True(t, debit.BalanceAfter.Equal(debit.BalanceBefore.Sub(debit.Amount)))
	assert.True(t, credit.BalanceAfter.Equal(credit.BalanceBefore.Add(credit.Amount)))

	assert.Equal(t, 2, rig.dispatcher.count(), "both participants should be notified")
}

func TestTransferIdempotentReplay(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	req := TransferRequest{
		SenderWalletID:   sender,
		ReceiverWalletID: receiver,
		Amount:           dec("40.00"),
		IdempotencyKey:   "transfer-1",
	}

	first, err := rig.engine.Transfer(ctx, req)
	require.NoError(t, err)
	second, err := rig.engine.Transfer(ctx, req)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON, "replayed result must be byte-identical")

	// The replay must not re-run fraud checks or post new entries.
	assert.Equal(t, 1, rig.scorer.callCount())
	entries, _ := rig.store.EntriesForTransaction(ctx, first.Transaction.ID)
	assert.Len(t, entries, 2)

	senderWallet, _ := rig.store.GetWallet(ctx, sender)
	assert.True(t, senderWallet.Balance.Equal(dec("60.00")), "balance moved twice: %s", senderWallet.Balance)
}

func TestTransferInsufficientFundsIsCachedTerminalFailure(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	req := TransferRequest{
		SenderWalletID:   sender,
		ReceiverWalletID: receiver,
		Amount:           dec("1000.00"),
		IdempotencyKey:   "too-much",
	}

	_, err := rig.engine.Transfer(ctx, req)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindInsufficientFunds, f.Kind)

	tx, err := rig.store.GetTransactionByIdempotencyKey(ctx, "too-much")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, tx.Status)

	entries, _ := rig.store.EntriesForTransaction(ctx, tx.ID)
	assert.Empty(t, entries, "failed transfer must post no entries")
	senderWallet, _ := rig.store.GetWallet(ctx, sender)
	assert.True(t, senderWallet.Balance.Equal(dec("100.00")))

	// Retry replays the recorded outcome without re-running checks.
	_, err = rig.engine.Transfer(ctx, req)
	f2, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindInsufficientFunds, f2.Kind)
	assert.Equal(t, f.Message, f2.Message)
	assert.Equal(t, 1, rig.scorer.callCount())
}

func TestTransferFraudFlaggedIsCachedTerminalFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.scorer.decision = fraud.Decision{Flagged: true, Reason: "velocity check", RiskScore: 95}
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	req := TransferRequest{
		SenderWalletID:   sender,
		ReceiverWalletID: receiver,
		Amount:           dec("40.00"),
		IdempotencyKey:   "flagged",
	}

	_, err := rig.engine.Transfer(ctx, req)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindFraudFlagged, f.Kind)
	assert.Contains(t, f.Message, "velocity check")

	// A flagged transaction is never silently retried into success.
	rig.scorer.decision = fraud.Decision{}
	_, err = rig.engine.Transfer(ctx, req)
	f2, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindFraudFlagged, f2.Kind)
	assert.Equal(t, 1, rig.scorer.callCount())

	senderWallet, _ := rig.store.GetWallet(ctx, sender)
	assert.True(t, senderWallet.Balance.Equal(dec("100.00")))
}

func TestTransferValidationFailuresAreNotCached(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	active := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("50.00"))
	other := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))
	suspended := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("10.00"))
	ledger.SetWalletStatus(rig.store, suspended, ledger.WalletSuspended)
	euro := ledger.SeedWallet(rig.store, uuid.NewString(), "EUR", dec("10.00"))

	cases := []struct {
		name string
		req  TransferRequest
		kind Kind
	}{
		{"missing idempotency key", TransferRequest{SenderWalletID: active, ReceiverWalletID: other, Amount: dec("1.00")}, KindValidationFailed},
		{"non-positive amount", TransferRequest{SenderWalletID: active, ReceiverWalletID: other, Amount: dec("0"), IdempotencyKey: "k1"}, KindValidationFailed},
		{"same wallet", TransferRequest{SenderWalletID: active, ReceiverWalletID: active, Amount: dec("1.00"), IdempotencyKey: "k2"}, KindValidationFailed},
		{"unknown sender", TransferRequest{SenderWalletID: uuid.NewString(), ReceiverWalletID: other, Amount: dec("1.00"), IdempotencyKey: "k3"}, KindNotFound},
		{"suspended sender", TransferRequest{SenderWalletID: suspended, ReceiverWalletID: other, Amount: dec("1.00"), IdempotencyKey: "k4"}, KindWalletNotActive},
		{"currency mismatch", TransferRequest{SenderWalletID: active, ReceiverWalletID: euro, Amount: dec("1.00"), IdempotencyKey: "k5"}, KindValidationFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rig.engine.Transfer(ctx, tc.req)
			f, ok := AsFailure(err)
			require.True(t, ok, "expected a structured failure, got %v", err)
			assert.Equal(t, tc.kind, f.Kind)

			if tc.req.IdempotencyKey != "" {
				_, found, err := rig.cache.Lookup(ctx, tc.req.IdempotencyKey)
				require.NoError(t, err)
				assert.False(t, found, "input errors must not be cached")
			}
		})
	}

	// No transaction rows and no scorer calls for any of the rejected inputs.
	assert.Equal(t, 0, rig.scorer.callCount())
}

func TestTransferBusyWalletFailsFastAndIsRetryable(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	held, err := rig.locks.Acquire(ctx, lock.WalletKey(sender), time.Minute)
	require.NoError(t, err)

	req := TransferRequest{
		SenderWalletID:   sender,
		ReceiverWalletID: receiver,
		Amount:           dec("10.00"),
		IdempotencyKey:   "busy-retry",
	}

	_, err = rig.engine.Transfer(ctx, req)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindResourceBusy, f.Kind)

	// Busy is transient: once the lock is free the same request succeeds.
	_, err = rig.locks.Release(ctx, held)
	require.NoError(t, err)

	receipt, err := rig.engine.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, receipt.Transaction.Status)
}

func TestTransferReplayFromStoreWhenCacheExpired(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	req := TransferRequest{
		SenderWalletID:   sender,
		ReceiverWalletID: receiver,
		Amount:           dec("40.00"),
		IdempotencyKey:   "cache-expired",
	}

	first, err := rig.engine.Transfer(ctx, req)
	require.NoError(t, err)

	// Same store, fresh cache: the unique idempotency key on the transaction
	// row is the second line of defense.
	rebuilt := New(rig.store, rig.locks, idempotency.NewInMemory(), rig.scorer, rig.dispatcher, logging.Discard(), Options{})
	second, err := rebuilt.Transfer(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	entries, _ := rig.store.EntriesForTransaction(ctx, first.Transaction.ID)
	assert.Len(t, entries, 2)
	senderWallet, _ := rig.store.GetWallet(ctx, sender)
	assert.True(t, senderWallet.Balance.Equal(dec("60.00")))
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	hub := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("100.00"))
	const workers = 10
	spokes := make([]string, workers)
	for i := range spokes {
		spokes[i] = ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := TransferRequest{
				SenderWalletID:   hub,
				ReceiverWalletID: spokes[i],
				Amount:           dec("1.00"),
				IdempotencyKey:   fmt.Sprintf("fan-out-%d", i),
			}
			// Busy is a fail-fast signal in this design; retry until the
			// wallet lock is free.
			for {
				_, err := rig.engine.Transfer(ctx, req)
				if err == nil {
					return
				}
				if f, ok := AsFailure(err); ok && f.Kind == KindResourceBusy {
					time.Sleep(time.Millisecond)
					continue
				}
				t.Errorf("transfer %d failed: %v", i, err)
				return
			}
		}(i)
	}
	wg.Wait()

	total := decimal.Zero
	hubWallet, _ := rig.store.GetWallet(ctx, hub)
	total = total.Add(hubWallet.Balance)
	for _, id := range spokes {
		w, _ := rig.store.GetWallet(ctx, id)
		assert.True(t, w.Balance.Equal(dec("1.00")), "spoke balance %s", w.Balance)
		total = total.Add(w.Balance)
	}
	assert.True(t, hubWallet.Balance.Equal(dec("90.00")), "hub balance %s", hubWallet.Balance)
	assert.True(t, total.Equal(dec("100.00")), "money was created or destroyed: total %s", total)
}

func TestOpposingTransfersDoNotDeadlock(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("50.00"))
	b := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("50.00"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for round := 0; round < 20; round++ {
			wg.Add(2)
			go func(round int) {
				defer wg.Done()
				_, err := rig.engine.Transfer(ctx, TransferRequest{
					SenderWalletID: a, ReceiverWalletID: b,
					Amount: dec("1.00"), IdempotencyKey: fmt.Sprintf("ab-%d", round),
				})
				if err != nil {
					if f, ok := AsFailure(err); !ok || f.Kind != KindResourceBusy {
						t.Errorf("a->b round %d: %v", round, err)
					}
				}
			}(round)
			go func(round int) {
				defer wg.Done()
				_, err := rig.engine.Transfer(ctx, TransferRequest{
					SenderWalletID: b, ReceiverWalletID: a,
					Amount: dec("1.00"), IdempotencyKey: fmt.Sprintf("ba-%d", round),
				})
				if err != nil {
					if f, ok := AsFailure(err); !ok || f.Kind != KindResourceBusy {
						t.Errorf("b->a round %d: %v", round, err)
					}
				}
			}(round)
			wg.Wait()
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing transfers deadlocked")
	}

	// Opposite transfers of equal size: whatever completed, the total holds.
	aWallet, _ := rig.store.GetWallet(ctx, a)
	bWallet, _ := rig.store.GetWallet(ctx, b)
	assert.True(t, aWallet.Balance.Add(bWallet.Balance).Equal(dec("100.00")))
}

func TestDepositCreditsWallet(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wallet := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("5.00"))

	receipt, err := rig.engine.Deposit(ctx, DepositRequest{
		WalletID:       wallet,
		Amount:         dec("20.00"),
		ExternalRef:    "gw-12345",
		IdempotencyKey: "dep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, receipt.Transaction.Status)
	assert.Equal(t, ledger.KindDeposit, receipt.Transaction.Kind)
	assert.Equal(t, "gw-12345", receipt.Transaction.ExternalRef)

	require.Len(t, receipt.Entries, 1)
	assert.Equal(t, ledger.EntryCredit, receipt.Entries[0].Type)
	assert.True(t, receipt.Entries[0].BalanceBefore.Equal(dec("5.00")))
	assert.True(t, receipt.Entries[0].BalanceAfter.Equal(dec("25.00")))

	w, _ := rig.store.GetWallet(ctx, wallet)
	assert.True(t, w.Balance.Equal(dec("25.00")))

	// Replay posts nothing new and the sum changes by exactly one deposit.
	_, err = rig.engine.Deposit(ctx, DepositRequest{WalletID: wallet, Amount: dec("20.00"), ExternalRef: "gw-12345", IdempotencyKey: "dep-1"})
	require.NoError(t, err)
	w, _ = rig.store.GetWallet(ctx, wallet)
	assert.True(t, w.Balance.Equal(dec("25.00")))
}

func TestWithdrawDebitsWalletAndChecksBalanceUnderLock(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	wallet := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("30.00"))

	receipt, err := rig.engine.Withdraw(ctx, WithdrawRequest{
		WalletID:       wallet,
		Amount:         dec("12.50"),
		IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.KindWithdrawal, receipt.Transaction.Kind)
	require.Len(t, receipt.Entries, 1)
	assert.Equal(t, ledger.EntryDebit, receipt.Entries[0].Type)

	w, _ := rig.store.GetWallet(ctx, wallet)
	assert.True(t, w.Balance.Equal(dec("17.50")))

	_, err = rig.engine.Withdraw(ctx, WithdrawRequest{WalletID: wallet, Amount: dec("100.00"), IdempotencyKey: "wd-2"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindInsufficientFunds, f.Kind)
	w, _ = rig.store.GetWallet(ctx, wallet)
	assert.True(t, w.Balance.Equal(dec("17.50")))
}

func TestTransferReleasesLocksOnEveryPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sender := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("10.00"))
	receiver := ledger.SeedWallet(rig.store, uuid.NewString(), "USD", dec("0.00"))

	// Policy failure path.
	_, err := rig.engine.Transfer(ctx, TransferRequest{
		SenderWalletID: sender, ReceiverWalletID: receiver,
		Amount: dec("99.00"), IdempotencyKey: "fail-path",
	})
	require.Error(t, err)

	// Both locks must be free again.
	for _, id := range []string{sender, receiver} {
		h, err := rig.locks.Acquire(ctx, lock.WalletKey(id), time.Minute)
		require.NoError(t, err, "lock leaked for wallet %s", id)
		_, _ = rig.locks.Release(ctx, h)
	}

	// Success path.
	_, err = rig.engine.Transfer(ctx, TransferRequest{
		SenderWalletID: sender, ReceiverWalletID: receiver,
		Amount: dec("1.00"), IdempotencyKey: "ok-path",
	})
	require.NoError(t, err)
	for _, id := range []string{sender, receiver} {
		h, err := rig.locks.Acquire(ctx, lock.WalletKey(id), time.Minute)
		require.NoError(t, err, "lock leaked for wallet %s", id)
		_, _ = rig.locks.Release(ctx, h)
	}
}

func TestWalletFacade(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	created, err := rig.engine.CreateWallet(ctx, uuid.NewString(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "USD", created.Currency)
	assert.Equal(t, ledger.WalletActive, created.Status)
	assert.True(t, created.Balance.IsZero())

	fetched, err := rig.engine.GetWallet(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)

	_, err = rig.engine.GetWallet(ctx, uuid.NewString())
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, f.Kind)

	_, err = rig.engine.CreateWallet(ctx, "", "USD")
	f, ok = AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, KindValidationFailed, f.Kind)
}
