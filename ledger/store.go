/*
store.go - Persistence interfaces for entries and wallets

PURPOSE:
  Defines the boundary between the ledger logic and the database. The log
  and the wallets are two collections, but every write to them goes through
  Store.WithAccount so that an append and its balance update commit or fail
  together.

KEY INTERFACES:
  EntryStore:   append-only entry persistence and range queries
  AccountStore: materialized wallet rows
  Tx:           both of the above, scoped to one locked account
  Store:        unscoped reads plus WithAccount for writes

APPEND-ONLY CONTRACT:
  EntryStore has no update or delete. The single exception is
  MarkVoided, which flips the status of a posted entry as part of an
  audited correction and never touches amount or kind.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, per-account mutexes
  - store/sqlite: SQLite, schema migrated on open
  - store/postgres: PostgreSQL via pgx, row locks per account
  - store/bolt: BoltDB single-file store

SEE ALSO:
  - ledger/storetest: conformance suite every implementation runs
*/
package ledger

import (
	"context"
	"time"
)

// EntryStore persists ledger entries.
type EntryStore interface {
	// InsertEntry appends e. Returns ErrDuplicateEntry if e.ID exists.
	// The store assigns e.Seq.
	InsertEntry(ctx context.Context, e Entry) error

	// FindEntry returns ErrEntryNotFound if id is unknown.
	FindEntry(ctx context.Context, id EntryID) (*Entry, error)

	// ListEntries returns entries for accountID with from <= CreatedAt < to,
	// ordered by CreatedAt then Seq. A zero from or to leaves that side open.
	ListEntries(ctx context.Context, accountID AccountID, from, to time.Time) ([]Entry, error)

	// SumEntries totals the amount of counted entries (see Entry.Counts) of
	// one kind in [from, to).
	SumEntries(ctx context.Context, accountID AccountID, kind Kind, from, to time.Time) (int64, error)

	// MarkVoided sets the status of a posted entry to voided.
	MarkVoided(ctx context.Context, id EntryID) error
}

// AccountStore persists materialized wallets.
type AccountStore interface {
	// FindAccount returns ErrAccountNotFound if the account does not exist.
	FindAccount(ctx context.Context, id AccountID) (*Account, error)

	// CreateAccount inserts a if absent and returns the stored row either way.
	CreateAccount(ctx context.Context, a Account) (*Account, error)

	// SaveAccount overwrites an existing account row.
	SaveAccount(ctx context.Context, a Account) error
}

// Tx is the view of the store held while an account is locked.
type Tx interface {
	EntryStore
	AccountStore
}

// Store is the full backend.
type Store interface {
	Tx

	// WithAccount runs fn with exclusive access to one account's wallet and
	// entries. Writes made through the Tx commit if fn returns nil and are
	// discarded otherwise. Calls for different accounts must not wait on
	// each other beyond the backend's own write serialization.
	WithAccount(ctx context.Context, id AccountID, fn func(Tx) error) error

	// ListAccountIDs returns up to limit account ids greater than after, in
	// ascending order.
	ListAccountIDs(ctx context.Context, after AccountID, limit int) ([]AccountID, error)
}
