package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroprint/healcoin/ledger"
	"github.com/zeroprint/healcoin/ledger/storetest"
	"github.com/zeroprint/healcoin/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	// GIVEN: A file-backed store with one earn and one voided redeem
	// WHEN: The process restarts
	// THEN: Balances, statuses and the log are intact and still reconcile

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "healcoin.db")
	clock := func() time.Time { return time.Date(2025, 3, 10, 9, 0, 0, 123456789, time.UTC) }

	store, err := sqlite.New(path)
	require.NoError(t, err)
	svc := ledger.NewService(store, ledger.CapConfig{}, ledger.WithClock(clock))
	_, err = svc.Earn(ctx, ledger.EarnRequest{AccountID: "acc-1", Amount: 50, Reason: "mood", EntryID: "e-1"})
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, ledger.RedeemRequest{AccountID: "acc-1", Amount: 20, Reason: "reward", EntryID: "r-1"})
	require.NoError(t, err)
	_, err = svc.Void(ctx, ledger.VoidRequest{EntryID: "r-1", Reason: "refund", Actor: "admin-1"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	acc, err := reopened.FindAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Balance)
	assert.Equal(t, int64(70), acc.LifetimeEarned)
	assert.Equal(t, int64(20), acc.LifetimeRedeemed)

	entry, err := reopened.FindEntry(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, entry.Status)
	assert.True(t, clock().Equal(entry.CreatedAt), "nanoseconds survive the round trip")

	report, err := ledger.NewBalanceProjector(reopened, clock).Reconcile(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestSQLite_CorruptTimestamp_IsStorageError(t *testing.T) {
	// GIVEN: A row whose created_at was edited outside the store
	// WHEN: Reading it back
	// THEN: The read fails as unavailable storage instead of yielding a zero time

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "healcoin.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := ledger.NewService(store, ledger.CapConfig{})
	_, err = svc.Earn(ctx, ledger.EarnRequest{AccountID: "acc-1", Amount: 5, Reason: "mood", EntryID: "e-1"})
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE entries SET created_at = 'yesterday' WHERE id = 'e-1'`)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `UPDATE accounts SET updated_at = 'soon' WHERE id = 'acc-1'`)
	require.NoError(t, err)

	_, err = store.FindEntry(ctx, "e-1")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	_, err = store.ListEntries(ctx, "acc-1", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	_, err = store.FindAccount(ctx, "acc-1")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestSQLite_Ping(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
