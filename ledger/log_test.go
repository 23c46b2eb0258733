package ledger_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroprint/healcoin/ledger"
	"github.com/zeroprint/healcoin/ledger/store"
)

func validEntry() ledger.Entry {
	return ledger.Entry{
		ID:        "e-1",
		AccountID: "acc-1",
		Kind:      ledger.KindEarn,
		Amount:    10,
		Reason:    "mood",
		CreatedAt: march10,
	}
}

func TestTransactionLog_Append_RejectsMalformedEntries(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.Entry)
	}{
		{"missing id", func(e *ledger.Entry) { e.ID = " " }},
		{"missing account", func(e *ledger.Entry) { e.AccountID = "" }},
		{"unknown kind", func(e *ledger.Entry) { e.Kind = "transfer" }},
		{"zero amount", func(e *ledger.Entry) { e.Amount = 0 }},
		{"missing reason", func(e *ledger.Entry) { e.Reason = "" }},
		{"missing timestamp", func(e *ledger.Entry) { e.CreatedAt = time.Time{} }},
		{"unknown status", func(e *ledger.Entry) { e.Status = "pending" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := store.NewMemory()
			log := ledger.NewTransactionLog(m)

			e := validEntry()
			tt.mutate(&e)
			assert.ErrorIs(t, log.Append(ctx, e), ledger.ErrInvalidEntry)

			entries, err := m.ListEntries(ctx, "acc-1", time.Time{}, time.Time{})
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestTransactionLog_Append_DefaultsStatusAndRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	log := ledger.NewTransactionLog(store.NewMemory())

	require.NoError(t, log.Append(ctx, validEntry()))
	got, err := log.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPosted, got.Status)

	assert.ErrorIs(t, log.Append(ctx, validEntry()), ledger.ErrDuplicateEntry)
}

func TestWalletStore_ApplyDelta_KeepsConservation(t *testing.T) {
	ctx := context.Background()
	clock := newClock(march10)
	wallet := ledger.NewWalletStore(store.NewMemory(), clock.Now)

	_, err := wallet.ApplyDelta(ctx, "acc-1", ledger.KindEarn, 40)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	acc, err := wallet.ApplyDelta(ctx, "acc-1", ledger.KindRedeem, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(25), acc.Balance)
	assert.True(t, acc.Consistent())
	assert.True(t, march10.Add(time.Minute).Equal(acc.UpdatedAt))

	_, err = wallet.ApplyDelta(ctx, "acc-1", ledger.KindRedeem, 26)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, err = wallet.ApplyDelta(ctx, "acc-1", ledger.KindEarn, -1)
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	again, err := wallet.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), again.Balance, "failed deltas leave the row untouched")
}

func TestWalletStore_ApplyDelta_RejectsOverflow(t *testing.T) {
	ctx := context.Background()
	wallet := ledger.NewWalletStore(store.NewMemory(), newClock(march10).Now)

	_, err := wallet.ApplyDelta(ctx, "acc-1", ledger.KindEarn, math.MaxInt64-5)
	require.NoError(t, err)
	_, err = wallet.ApplyDelta(ctx, "acc-1", ledger.KindRedeem, 100)
	require.NoError(t, err)

	// The balance has room again but the lifetime total does not.
	_, err = wallet.ApplyDelta(ctx, "acc-1", ledger.KindEarn, 10)
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	acc, err := wallet.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-105), acc.Balance)
	assert.True(t, acc.Consistent())
}

func TestWalletStore_Close_RequiresZeroBalance(t *testing.T) {
	ctx := context.Background()
	wallet := ledger.NewWalletStore(store.NewMemory(), newClock(march10).Now)

	_, err := wallet.ApplyDelta(ctx, "acc-1", ledger.KindEarn, 5)
	require.NoError(t, err)
	_, err = wallet.Close(ctx, "acc-1")
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)

	_, err = wallet.ApplyDelta(ctx, "acc-1", ledger.KindRedeem, 5)
	require.NoError(t, err)
	acc, err := wallet.Close(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, acc.Closed())
}

func TestStorageError_MatchesSentinelAndCause(t *testing.T) {
	err := ledger.NewStorageError("insert entry", errTimeout)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.ErrorIs(t, err, errTimeout)
	assert.True(t, ledger.IsRetryable(err))
	assert.False(t, ledger.IsClientError(err))

	// Domain errors pass through untouched.
	assert.Same(t, ledger.ErrDuplicateEntry, ledger.NewStorageError("insert entry", ledger.ErrDuplicateEntry))
	assert.Nil(t, ledger.NewStorageError("noop", nil))
}
