/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists the HealCoin transaction log and wallets in a single SQLite
  file. Suitable for a single-node deployment and for integration tests
  (":memory:").

KEY TABLES:
  entries:  Append-only ledger of every balance change
  accounts: Materialized wallets (balance + lifetime counters)

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on entries
  - The only UPDATE on entries is status 'posted' -> 'voided'
  - Corrections are offsetting entries that name the original in reverses

INDEXES:
  - entries.id UNIQUE: the idempotency guarantee lives in the schema
  - idx_entries_account_created: cap sums and history (hot path)

CONCURRENCY:
  The pool is limited to one connection. Every WithAccount call is a
  database transaction on that connection, so writers are serialized at
  the file level; reads outside a transaction queue behind it. This also
  keeps ":memory:" databases alive for the life of the Store.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) for crash recovery without
  blocking readers of the file from other processes.

TIMESTAMPS:
  Stored as fixed-width UTC text so that string order equals time order
  and range queries can compare them directly.

USAGE:
  store, err := sqlite.New("./data/healcoin.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, caps)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/storetest: Conformance suite run by sqlite_test.go
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/zeroprint/healcoin/ledger"
)

// timeLayout sorts lexicographically in time order for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	queries
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return ledger.NewStorageError("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('earn', 'redeem')),
		amount INTEGER NOT NULL CHECK (amount > 0),
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'posted',
		reverses TEXT
	);

	-- Cap windows and history, in application order
	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON entries(account_id, created_at, seq);

	-- Materialized wallets
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned INTEGER NOT NULL DEFAULT 0,
		lifetime_redeemed INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithAccount executes fn within a database transaction.
func (s *Store) WithAccount(ctx context.Context, id ledger.AccountID, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.NewStorageError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.NewStorageError("commit", err)
	}
	return nil
}

// ListAccountIDs pages through account ids in ascending order.
func (s *Store) ListAccountIDs(ctx context.Context, after ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM accounts WHERE id > ? ORDER BY id LIMIT ?", string(after), limit)
	if err != nil {
		return nil, ledger.NewStorageError("list accounts", err)
	}
	defer rows.Close()

	var ids []ledger.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.NewStorageError("scan account id", err)
		}
		ids = append(ids, ledger.AccountID(id))
	}
	return ids, ledger.NewStorageError("list accounts", rows.Err())
}

// =============================================================================
// QUERIES - shared by the Store and its transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Tx over a *sql.DB or a *sql.Tx.
type queries struct {
	q querier
}

const entryColumns = `seq, id, account_id, kind, amount, reason, created_at, created_by, status, reverses`

func (qs *queries) InsertEntry(ctx context.Context, e ledger.Entry) error {
	if e.Status == "" {
		e.Status = ledger.StatusPosted
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO entries (id, account_id, kind, amount, reason, created_at, created_by, status, reverses)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID),
		string(e.AccountID),
		string(e.Kind),
		e.Amount,
		e.Reason,
		formatTime(e.CreatedAt),
		e.CreatedBy,
		string(e.Status),
		nullString(string(e.Reverses)),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateEntry, e.ID)
		}
		return ledger.NewStorageError("insert entry", err)
	}
	return nil
}

func (qs *queries) FindEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	row := qs.q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, ledger.NewStorageError("find entry", err)
	}
	return &e, nil
}

func (qs *queries) ListEntries(ctx context.Context, accountID ledger.AccountID, from, to time.Time) ([]ledger.Entry, error) {
	where, args := rangeClause(accountID, from, to)
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE "+where+" ORDER BY created_at ASC, seq ASC", args...)
	if err != nil {
		return nil, ledger.NewStorageError("list entries", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, ledger.NewStorageError("scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, ledger.NewStorageError("list entries", rows.Err())
}

func (qs *queries) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind, from, to time.Time) (int64, error) {
	where, args := rangeClause(accountID, from, to)
	args = append(args, string(kind))
	var total int64
	err := qs.q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM entries WHERE "+where+
			" AND kind = ? AND status = 'posted' AND reverses IS NULL", args...).Scan(&total)
	if err != nil {
		return 0, ledger.NewStorageError("sum entries", err)
	}
	return total, nil
}

func (qs *queries) MarkVoided(ctx context.Context, id ledger.EntryID) error {
	res, err := qs.q.ExecContext(ctx,
		"UPDATE entries SET status = 'voided' WHERE id = ? AND status = 'posted'", string(id))
	if err != nil {
		return ledger.NewStorageError("void entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.NewStorageError("void entry", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := qs.FindEntry(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ledger.ErrAlreadyVoided, id)
}

func (qs *queries) FindAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	var (
		a                    ledger.Account
		accID                string
		createdAt, updatedAt string
		closedAt             sql.NullString
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, balance, lifetime_earned, lifetime_redeemed, created_at, updated_at, closed_at
		FROM accounts WHERE id = ?
	`, string(id)).Scan(&accID, &a.Balance, &a.LifetimeEarned, &a.LifetimeRedeemed, &createdAt, &updatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, ledger.NewStorageError("find account", err)
	}
	a.ID = ledger.AccountID(accID)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, ledger.NewStorageError("find account", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, ledger.NewStorageError("find account", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, ledger.NewStorageError("find account", err)
		}
		a.ClosedAt = &t
	}
	return &a, nil
}

func (qs *queries) CreateAccount(ctx context.Context, a ledger.Account) (*ledger.Account, error) {
	_, err := qs.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO accounts (id, balance, lifetime_earned, lifetime_redeemed, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, accountArgs(a)...)
	if err != nil {
		return nil, ledger.NewStorageError("create account", err)
	}
	return qs.FindAccount(ctx, a.ID)
}

func (qs *queries) SaveAccount(ctx context.Context, a ledger.Account) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, lifetime_earned = ?, lifetime_redeemed = ?, updated_at = ?, closed_at = ?
		WHERE id = ?
	`, a.Balance, a.LifetimeEarned, a.LifetimeRedeemed, formatTime(a.UpdatedAt), nullTime(a.ClosedAt), string(a.ID))
	if err != nil {
		return ledger.NewStorageError("save account", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                           ledger.Entry
		id, accountID, kind, status string
		createdAt                   string
		reverses                    sql.NullString
	)
	err := row.Scan(&e.Seq, &id, &accountID, &kind, &e.Amount, &e.Reason, &createdAt, &e.CreatedBy, &status, &reverses)
	if err != nil {
		return e, err
	}
	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Kind = ledger.Kind(kind)
	e.Status = ledger.Status(status)
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	if reverses.Valid {
		e.Reverses = ledger.EntryID(reverses.String)
	}
	return e, nil
}

func rangeClause(accountID ledger.AccountID, from, to time.Time) (string, []any) {
	where := "account_id = ?"
	args := []any{string(accountID)}
	if !from.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		where += " AND created_at < ?"
		args = append(args, formatTime(to))
	}
	return where, args
}

func accountArgs(a ledger.Account) []any {
	return []any{
		string(a.ID),
		a.Balance,
		a.LifetimeEarned,
		a.LifetimeRedeemed,
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
		nullTime(a.ClosedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
