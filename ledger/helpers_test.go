package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zeroprint/healcoin/ledger"
	"github.com/zeroprint/healcoin/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *store.Memory
	clock *fakeClock
	svc   *ledger.Service
}

func newFixture(t *testing.T, caps ledger.CapConfig, opts ...ledger.Option) *fixture {
	t.Helper()
	m := store.NewMemory()
	clock := newClock(march10)
	opts = append([]ledger.Option{ledger.WithClock(clock.Now)}, opts...)
	return &fixture{store: m, clock: clock, svc: ledger.NewService(m, caps, opts...)}
}

func earn(id string, amount int64, reason, entryID string) ledger.EarnRequest {
	return ledger.EarnRequest{
		AccountID: ledger.AccountID(id),
		Amount:    amount,
		Reason:    reason,
		EntryID:   ledger.EntryID(entryID),
	}
}

func redeem(id string, amount int64, reason, entryID string) ledger.RedeemRequest {
	return ledger.RedeemRequest(earn(id, amount, reason, entryID))
}

var errTimeout = errors.New("i/o timeout")

// flakyStore injects storage failures around WithAccount. failBefore calls
// fail without running fn; failAfter calls commit and then report failure,
// like a timeout on the commit acknowledgement.
type flakyStore struct {
	ledger.Store

	mu         sync.Mutex
	failBefore int
	failAfter  int
	calls      int
}

func (f *flakyStore) WithAccount(ctx context.Context, id ledger.AccountID, fn func(ledger.Tx) error) error {
	f.mu.Lock()
	f.calls++
	before := f.failBefore > 0
	if before {
		f.failBefore--
	}
	after := !before && f.failAfter > 0
	if after {
		f.failAfter--
	}
	f.mu.Unlock()

	if before {
		return ledger.NewStorageError("begin", errTimeout)
	}
	if err := f.Store.WithAccount(ctx, id, fn); err != nil {
		return err
	}
	if after {
		return ledger.NewStorageError("commit", errTimeout)
	}
	return nil
}

func (f *flakyStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
