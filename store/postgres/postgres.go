/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

PURPOSE:
  The multi-node backend. Any number of API replicas can share one
  database; per-account serialization moves into the database.

SERIALIZATION:
  WithAccount opens a transaction and takes a transaction-scoped advisory
  lock keyed by the account id:

    SELECT pg_advisory_xact_lock(hashtextextended($1, 0))

  The lock exists before the account row does, so first-sight upserts are
  serialized too, and it is released by COMMIT or ROLLBACK. Different
  accounts take different locks and proceed in parallel (a 64-bit hash
  collision only costs a short wait).

IDEMPOTENCY:
  entries.id is UNIQUE. A unique_violation (SQLSTATE 23505) on insert maps
  to ledger.ErrDuplicateEntry.

TIMESTAMPS:
  TIMESTAMPTZ keeps microseconds. Every time written goes through pgTime,
  which truncates to the microsecond, so a value read back equals the
  value stored.

SCHEMA:
  Versioned SQL under migrations/, embedded in the binary and applied by
  Migrate (golang-migrate).
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeroprint/healcoin/ledger"
)

const uniqueViolation = "23505"

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	queries
}

var _ ledger.Store = (*Store)(nil)

// New connects to databaseURL and verifies the connection.
// Run Migrate first to create the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, queries: queries{q: pool}}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ledger.NewStorageError("ping", s.pool.Ping(ctx))
}

// Truncate clears all data (for tests and demo resets).
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE entries, accounts RESTART IDENTITY")
	return ledger.NewStorageError("truncate", err)
}

// WithAccount runs fn in a transaction holding the account's advisory lock.
func (s *Store) WithAccount(ctx context.Context, id ledger.AccountID, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ledger.NewStorageError("begin transaction", err)
	}
	defer func() {
		// No-op after a successful commit.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", string(id)); err != nil {
		return ledger.NewStorageError("lock account", err)
	}
	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.NewStorageError("commit", err)
	}
	return nil
}

func (s *Store) ListAccountIDs(ctx context.Context, after ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		"SELECT id FROM accounts WHERE id > $1 ORDER BY id LIMIT $2", string(after), lim)
	if err != nil {
		return nil, ledger.NewStorageError("list accounts", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.AccountID, error) {
		var id string
		err := row.Scan(&id)
		return ledger.AccountID(id), err
	})
	if err != nil {
		return nil, ledger.NewStorageError("list accounts", err)
	}
	return ids, nil
}

// =============================================================================
// QUERIES - shared by the pool and its transactions
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier
}

const entryColumns = `seq, id, account_id, kind, amount, reason, created_at, created_by, status, reverses`

func (qs *queries) InsertEntry(ctx context.Context, e ledger.Entry) error {
	if e.Status == "" {
		e.Status = ledger.StatusPosted
	}
	var reverses *string
	if e.Reverses != "" {
		r := string(e.Reverses)
		reverses = &r
	}
	_, err := qs.q.Exec(ctx, `
		INSERT INTO entries (id, account_id, kind, amount, reason, created_at, created_by, status, reverses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(e.ID), string(e.AccountID), string(e.Kind), e.Amount, e.Reason,
		pgTime(e.CreatedAt), e.CreatedBy, string(e.Status), reverses)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateEntry, e.ID)
		}
		return ledger.NewStorageError("insert entry", err)
	}
	return nil
}

func (qs *queries) FindEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	row := qs.q.QueryRow(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = $1", string(id))
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, ledger.NewStorageError("find entry", err)
	}
	return &e, nil
}

func (qs *queries) ListEntries(ctx context.Context, accountID ledger.AccountID, from, to time.Time) ([]ledger.Entry, error) {
	rows, err := qs.q.Query(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE account_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		ORDER BY created_at ASC, seq ASC
	`, string(accountID), nullTime(from), nullTime(to))
	if err != nil {
		return nil, ledger.NewStorageError("list entries", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, ledger.NewStorageError("list entries", err)
	}
	return entries, nil
}

func (qs *queries) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind, from, to time.Time) (int64, error) {
	var total int64
	err := qs.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint FROM entries
		WHERE account_id = $1 AND kind = $2
		  AND status = 'posted' AND reverses IS NULL
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at < $4)
	`, string(accountID), string(kind), nullTime(from), nullTime(to)).Scan(&total)
	if err != nil {
		return 0, ledger.NewStorageError("sum entries", err)
	}
	return total, nil
}

func (qs *queries) MarkVoided(ctx context.Context, id ledger.EntryID) error {
	tag, err := qs.q.Exec(ctx,
		"UPDATE entries SET status = 'voided' WHERE id = $1 AND status = 'posted'", string(id))
	if err != nil {
		return ledger.NewStorageError("void entry", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := qs.FindEntry(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ledger.ErrAlreadyVoided, id)
}

func (qs *queries) FindAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	var (
		a     ledger.Account
		accID string
	)
	err := qs.q.QueryRow(ctx, `
		SELECT id, balance, lifetime_earned, lifetime_redeemed, created_at, updated_at, closed_at
		FROM accounts WHERE id = $1
	`, string(id)).Scan(&accID, &a.Balance, &a.LifetimeEarned, &a.LifetimeRedeemed, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, ledger.NewStorageError("find account", err)
	}
	a.ID = ledger.AccountID(accID)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.ClosedAt != nil {
		t := a.ClosedAt.UTC()
		a.ClosedAt = &t
	}
	return &a, nil
}

func (qs *queries) CreateAccount(ctx context.Context, a ledger.Account) (*ledger.Account, error) {
	_, err := qs.q.Exec(ctx, `
		INSERT INTO accounts (id, balance, lifetime_earned, lifetime_redeemed, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, string(a.ID), a.Balance, a.LifetimeEarned, a.LifetimeRedeemed, pgTime(a.CreatedAt), pgTime(a.UpdatedAt), pgTimePtr(a.ClosedAt))
	if err != nil {
		return nil, ledger.NewStorageError("create account", err)
	}
	return qs.FindAccount(ctx, a.ID)
}

func (qs *queries) SaveAccount(ctx context.Context, a ledger.Account) error {
	tag, err := qs.q.Exec(ctx, `
		UPDATE accounts
		SET balance = $2, lifetime_earned = $3, lifetime_redeemed = $4, updated_at = $5, closed_at = $6
		WHERE id = $1
	`, string(a.ID), a.Balance, a.LifetimeEarned, a.LifetimeRedeemed, pgTime(a.UpdatedAt), pgTimePtr(a.ClosedAt))
	if err != nil {
		return ledger.NewStorageError("save account", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                           ledger.Entry
		id, accountID, kind, status string
		reverses                    *string
	)
	if err := row.Scan(&e.Seq, &id, &accountID, &kind, &e.Amount, &e.Reason, &e.CreatedAt, &e.CreatedBy, &status, &reverses); err != nil {
		return e, err
	}
	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Kind = ledger.Kind(kind)
	e.Status = ledger.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	if reverses != nil {
		e.Reverses = ledger.EntryID(*reverses)
	}
	return e, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return pgTime(t)
}

func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func pgTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := pgTime(*t)
	return &v
}
