/*
log.go - Append-only transaction log

PURPOSE:
  The TransactionLog is the durable record of every balance-affecting
  event. Wallet balances are a materialization of it; BalanceProjector
  replays it to prove the two agree.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are inserted, never edited or deleted
  2. IDEMPOTENT: an entry id is accepted once; retries get ErrDuplicateEntry
  3. ORDERED: ListByAccount returns entries in the order they were applied

CORRECTIONS:
  A mistaken entry is never edited. Service.Void posts an offsetting entry
  that names the original in Reverses and marks the original voided. The
  pair nets to zero and drops out of cap sums and reconciliation.

EXAMPLE FLOW:
  1. Mood check-in: earn +50        posted
  2. Reward redemption: redeem -30  posted
  3. Admin voids the redemption:    original voided, offset earn +30 posted
  Wallet balance: 50 - 30 + 30 = 50; reconciliation fold: 50
*/
package ledger

import (
	"context"
	"strings"
	"time"
)

// TransactionLog validates and persists entries.
type TransactionLog struct {
	Store EntryStore
}

func NewTransactionLog(store EntryStore) *TransactionLog {
	return &TransactionLog{Store: store}
}

// Append persists e. It fails with ErrInvalidEntry before any write if the
// entry is malformed, and with ErrDuplicateEntry if e.ID already exists.
func (l *TransactionLog) Append(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = StatusPosted
	}
	return l.Store.InsertEntry(ctx, e)
}

// Get returns a single entry by id.
func (l *TransactionLog) Get(ctx context.Context, id EntryID) (*Entry, error) {
	return l.Store.FindEntry(ctx, id)
}

// ListByAccount returns the account's entries ordered by CreatedAt.
// since is inclusive and until exclusive; nil leaves that side open.
// To page through a long history, pass the last CreatedAt seen as since
// and skip ids already processed.
func (l *TransactionLog) ListByAccount(ctx context.Context, accountID AccountID, since, until *time.Time) ([]Entry, error) {
	var from, to time.Time
	if since != nil {
		from = *since
	}
	if until != nil {
		to = *until
	}
	return l.Store.ListEntries(ctx, accountID, from, to)
}

// SumByKind totals counted entries of kind in [since, until).
func (l *TransactionLog) SumByKind(ctx context.Context, accountID AccountID, kind Kind, since, until time.Time) (int64, error) {
	return l.Store.SumEntries(ctx, accountID, kind, since, until)
}

func validateEntry(e Entry) error {
	switch {
	case strings.TrimSpace(string(e.ID)) == "":
		return invalidf("entry_id", "is required")
	case strings.TrimSpace(string(e.AccountID)) == "":
		return invalidf("account_id", "is required")
	case !e.Kind.Valid():
		return invalidf("kind", "must be earn or redeem, got %q", e.Kind)
	case e.Amount <= 0:
		return invalidf("amount", "must be positive, got %d", e.Amount)
	case strings.TrimSpace(e.Reason) == "":
		return invalidf("reason", "is required")
	case e.CreatedAt.IsZero():
		return invalidf("created_at", "is required")
	case e.Status != "" && e.Status != StatusPosted && e.Status != StatusVoided:
		return invalidf("status", "unknown status %q", e.Status)
	}
	return nil
}
