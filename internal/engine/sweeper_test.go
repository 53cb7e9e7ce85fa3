package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidepay/tidepay/internal/ledger"
	"github.com/tidepay/tidepay/internal/logging"
)

func TestSweeperFailsStaleTransactions(t *testing.T) {
	store := ledger.NewInMemory()
	ctx := context.Background()

	stale, err := store.CreateTransaction(ctx, ledger.TransactionDraft{
		Kind: ledger.KindTransfer, Amount: decimal.New(10, 0), Currency: "USD", IdempotencyKey: "stale",
	})
	require.NoError(t, err)
	fresh, err := store.CreateTransaction(ctx, ledger.TransactionDraft{
		Kind: ledger.KindTransfer, Amount: decimal.New(10, 0), Currency: "USD", IdempotencyKey: "fresh",
	})
	require.NoError(t, err)
	ledger.BackdateTransaction(store, stale.ID, time.Now().Add(-2*time.Hour))

	sweeper := NewSweeper(store, time.Minute, time.Hour, logging.Discard())
	swept, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	staleTx, _ := store.GetTransaction(ctx, stale.ID)
	assert.Equal(t, ledger.StatusFailed, staleTx.Status)
	freshTx, _ := store.GetTransaction(ctx, fresh.ID)
	assert.Equal(t, ledger.StatusPending, freshTx.Status)
}

func TestSweeperStartStop(t *testing.T) {
	store := ledger.NewInMemory()
	sweeper := NewSweeper(store, 10*time.Millisecond, time.Hour, logging.Discard())
	sweeper.Start()
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
	// Stop twice must not panic.
	sweeper.Stop()
}
