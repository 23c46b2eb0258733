package ledger

import (
	"context"
	"errors"
)

// =============================================================================
// WALLET STORE - Materialized balances
// =============================================================================

// WalletStore holds the current balance of each account. It is the source
// of truth for "can this account spend now"; the log is the source of
// truth for how it got there.
type WalletStore struct {
	Store AccountStore
	Clock Clock
}

func NewWalletStore(store AccountStore, clock Clock) *WalletStore {
	if clock == nil {
		clock = SystemClock
	}
	return &WalletStore{Store: store, Clock: clock}
}

// Get returns the account, creating a zero-balance row if none exists.
// This upsert is the only place accounts come into being.
func (w *WalletStore) Get(ctx context.Context, id AccountID) (*Account, error) {
	if id == "" {
		return nil, invalidf("account_id", "is required")
	}
	acc, err := w.Store.FindAccount(ctx, id)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	return w.Store.CreateAccount(ctx, NewAccount(id, w.Clock()))
}

// ApplyDelta adjusts the balance and the matching lifetime counter.
// A redeem larger than the balance fails with *InsufficientBalanceError and
// leaves the row untouched. Callers run it inside Store.WithAccount
// together with the log append.
func (w *WalletStore) ApplyDelta(ctx context.Context, id AccountID, kind Kind, amount int64) (*Account, error) {
	if amount <= 0 {
		return nil, invalidf("amount", "must be positive, got %d", amount)
	}
	acc, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := acc.apply(kind, amount, w.Clock())
	if err != nil {
		return nil, err
	}
	if err := w.Store.SaveAccount(ctx, next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Close stamps the account closed. The balance must already be zero.
func (w *WalletStore) Close(ctx context.Context, id AccountID) (*Account, error) {
	acc, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Closed() {
		return acc, nil
	}
	if acc.Balance != 0 {
		return nil, invalidf("balance", "must be zero to close, got %d", acc.Balance)
	}
	now := w.Clock()
	next := *acc
	next.ClosedAt = &now
	next.UpdatedAt = now
	if err := w.Store.SaveAccount(ctx, next); err != nil {
		return nil, err
	}
	return &next, nil
}
