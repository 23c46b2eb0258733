/*
Package storetest is the conformance suite for ledger.Store backends.

Every backend package runs it from its own tests:

	func TestConformance(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) ledger.Store {
	        s, err := sqlite.New(":memory:")
	        require.NoError(t, err)
	        t.Cleanup(func() { s.Close() })
	        return s
	    })
	}

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroprint/healcoin/ledger"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) ledger.Store

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func entry(id string, acc string, kind ledger.Kind, amount int64, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		AccountID: ledger.AccountID(acc),
		Kind:      kind,
		Amount:    amount,
		Reason:    "test",
		CreatedAt: at,
		CreatedBy: ledger.ActorSystem,
		Status:    ledger.StatusPosted,
	}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"InsertAndFind", testInsertAndFind},
		{"DuplicateEntry", testDuplicateEntry},
		{"ListOrderAndRange", testListOrderAndRange},
		{"SumSkipsCorrections", testSumSkipsCorrections},
		{"MarkVoided", testMarkVoided},
		{"CreateAccountIfAbsent", testCreateAccountIfAbsent},
		{"SaveAccount", testSaveAccount},
		{"WithAccountCommits", testWithAccountCommits},
		{"WithAccountRollsBack", testWithAccountRollsBack},
		{"WithAccountSerializes", testWithAccountSerializes},
		{"ListAccountIDsPages", testListAccountIDsPages},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// ENTRY STORE
// =============================================================================

func testInsertAndFind(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	e := entry("e-1", "acc-1", ledger.KindEarn, 50, base)
	e.Reason = "mood_checkin"
	require.NoError(t, s.InsertEntry(ctx, e))

	got, err := s.FindEntry(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.AccountID, got.AccountID)
	assert.Equal(t, ledger.KindEarn, got.Kind)
	assert.Equal(t, int64(50), got.Amount)
	assert.Equal(t, "mood_checkin", got.Reason)
	assert.Equal(t, ledger.ActorSystem, got.CreatedBy)
	assert.Equal(t, ledger.StatusPosted, got.Status)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", got.CreatedAt, e.CreatedAt)
	assert.NotZero(t, got.Seq)

	_, err = s.FindEntry(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
}

func testDuplicateEntry(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 50, base)))
	err := s.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 50, base))
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)

	entries, err := s.ListEntries(ctx, "acc-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testListOrderAndRange(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	// Inserted out of time order; two share a timestamp.
	require.NoError(t, s.InsertEntry(ctx, entry("e-3", "acc-1", ledger.KindEarn, 3, base.Add(2*time.Hour))))
	require.NoError(t, s.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 1, base)))
	require.NoError(t, s.InsertEntry(ctx, entry("e-2", "acc-1", ledger.KindRedeem, 1, base)))
	require.NoError(t, s.InsertEntry(ctx, entry("x-1", "acc-2", ledger.KindEarn, 9, base)))

	all, err := s.ListEntries(ctx, "acc-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.EntryID("e-1"), all[0].ID)
	assert.Equal(t, ledger.EntryID("e-2"), all[1].ID)
	assert.Equal(t, ledger.EntryID("e-3"), all[2].ID)

	// [from, to): from inclusive, to exclusive
	ranged, err := s.ListEntries(ctx, "acc-1", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, ledger.EntryID("e-1"), ranged[0].ID)

	tail, err := s.ListEntries(ctx, "acc-1", base.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, ledger.EntryID("e-3"), tail[0].ID)

	none, err := s.ListEntries(ctx, "nobody", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSumSkipsCorrections(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 40, base)))
	require.NoError(t, s.InsertEntry(ctx, entry("e-2", "acc-1", ledger.KindEarn, 25, base.Add(time.Minute))))
	require.NoError(t, s.InsertEntry(ctx, entry("e-3", "acc-1", ledger.KindRedeem, 10, base.Add(2*time.Minute))))

	offset := entry("e-2:void", "acc-1", ledger.KindRedeem, 25, base.Add(3*time.Minute))
	offset.Reverses = "e-2"
	require.NoError(t, s.InsertEntry(ctx, offset))
	require.NoError(t, s.MarkVoided(ctx, "e-2"))

	earned, err := s.SumEntries(ctx, "acc-1", ledger.KindEarn, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(40), earned)

	redeemed, err := s.SumEntries(ctx, "acc-1", ledger.KindRedeem, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), redeemed)

	windowed, err := s.SumEntries(ctx, "acc-1", ledger.KindEarn, base.Add(time.Second), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, windowed)
}

func testMarkVoided(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 10, base)))
	require.NoError(t, s.MarkVoided(ctx, "e-1"))

	got, err := s.FindEntry(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusVoided, got.Status)
	assert.Equal(t, int64(10), got.Amount, "voiding never touches the amount")

	assert.ErrorIs(t, s.MarkVoided(ctx, "e-1"), ledger.ErrAlreadyVoided)
	assert.ErrorIs(t, s.MarkVoided(ctx, "missing"), ledger.ErrEntryNotFound)
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func testCreateAccountIfAbsent(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.FindAccount(ctx, "acc-1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	first, err := s.CreateAccount(ctx, ledger.NewAccount("acc-1", base))
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acc-1"), first.ID)

	later := ledger.NewAccount("acc-1", base.Add(time.Hour))
	later.Balance = 999
	second, err := s.CreateAccount(ctx, later)
	require.NoError(t, err)
	assert.Zero(t, second.Balance, "existing row must win")
	assert.True(t, base.Equal(second.CreatedAt))
}

func testSaveAccount(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	_, err := s.CreateAccount(ctx, ledger.NewAccount("acc-1", base))
	require.NoError(t, err)

	closed := base.Add(48 * time.Hour)
	acc := ledger.Account{
		ID:               "acc-1",
		Balance:          70,
		LifetimeEarned:   100,
		LifetimeRedeemed: 30,
		CreatedAt:        base,
		UpdatedAt:        closed,
		ClosedAt:         &closed,
	}
	require.NoError(t, s.SaveAccount(ctx, acc))

	got, err := s.FindAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.Balance)
	assert.Equal(t, int64(100), got.LifetimeEarned)
	assert.Equal(t, int64(30), got.LifetimeRedeemed)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, closed.Equal(*got.ClosedAt))
	assert.True(t, closed.Equal(got.UpdatedAt))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testWithAccountCommits(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	err := s.WithAccount(ctx, "acc-1", func(tx ledger.Tx) error {
		if _, err := tx.CreateAccount(ctx, ledger.NewAccount("acc-1", base)); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 5, base)); err != nil {
			return err
		}
		// Writes are visible inside the same transaction.
		sum, err := tx.SumEntries(ctx, "acc-1", ledger.KindEarn, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		if sum != 5 {
			return fmt.Errorf("sum inside tx = %d, want 5", sum)
		}
		acc := ledger.NewAccount("acc-1", base)
		acc.Balance, acc.LifetimeEarned = 5, 5
		return tx.SaveAccount(ctx, acc)
	})
	require.NoError(t, err)

	acc, err := s.FindAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acc.Balance)
	_, err = s.FindEntry(ctx, "e-1")
	assert.NoError(t, err)
}

func testWithAccountRollsBack(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.CreateAccount(ctx, ledger.NewAccount("acc-1", base))
	require.NoError(t, err)

	err = s.WithAccount(ctx, "acc-1", func(tx ledger.Tx) error {
		if err := tx.InsertEntry(ctx, entry("e-1", "acc-1", ledger.KindEarn, 5, base)); err != nil {
			return err
		}
		acc := ledger.NewAccount("acc-1", base)
		acc.Balance, acc.LifetimeEarned = 5, 5
		if err := tx.SaveAccount(ctx, acc); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.FindEntry(ctx, "e-1")
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound, "entry must be rolled back")
	acc, err := s.FindAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Zero(t, acc.Balance, "balance must be rolled back")

	// Domain errors come back matchable.
	err = s.WithAccount(ctx, "acc-1", func(tx ledger.Tx) error {
		return fmt.Errorf("%w: e-9", ledger.ErrDuplicateEntry)
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)
}

func testWithAccountSerializes(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const workers = 20

	_, err := s.CreateAccount(ctx, ledger.NewAccount("acc-1", base))
	require.NoError(t, err)

	// Unguarded read-modify-write would lose increments.
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.WithAccount(ctx, "acc-1", func(tx ledger.Tx) error {
				acc, err := tx.FindAccount(ctx, "acc-1")
				if err != nil {
					return err
				}
				next := *acc
				next.Balance++
				next.LifetimeEarned++
				if err := tx.InsertEntry(ctx, entry(fmt.Sprintf("e-%d", i), "acc-1", ledger.KindEarn, 1, base)); err != nil {
					return err
				}
				return tx.SaveAccount(ctx, next)
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	acc, err := s.FindAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), acc.Balance)
	entries, err := s.ListEntries(ctx, "acc-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, workers)
}

func testListAccountIDsPages(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	for _, id := range []ledger.AccountID{"c", "a", "e", "b", "d"} {
		_, err := s.CreateAccount(ctx, ledger.NewAccount(id, base))
		require.NoError(t, err)
	}

	page, err := s.ListAccountIDs(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{"a", "b"}, page)

	page, err = s.ListAccountIDs(ctx, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{"c", "d"}, page)

	page, err = s.ListAccountIDs(ctx, "d", 2)
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{"e"}, page)

	page, err = s.ListAccountIDs(ctx, "e", 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}
