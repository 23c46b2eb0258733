// Package bolt provides a BoltDB-backed ledger.Store.
//
// BoltDB is an embedded key/value store: one file, no server. It suits a
// single-process deployment that wants durability without running a
// database.
//
// Layout
// ------
//
//	entries/<entry id>            JSON entry
//	accounts/<account id>         JSON account
//	history/<account id>/<key>    entry id, key = created_at (ns) + seq
//
// History keys are big-endian, so a cursor walks them in application
// order and a [from, to) range is a Seek plus a bounded scan.
//
// Concurrency
// -----------
// Bolt allows one read-write transaction at a time. WithAccount is a
// bolt Update, so writers for all accounts are serialized at the file
// level; read-only calls run concurrently in View transactions.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/zeroprint/healcoin/ledger"
)

var (
	entriesBucket  = []byte("entries")
	accountsBucket = []byte("accounts")
	historyBucket  = []byte("history")
)

// Store wraps a BoltDB database and implements ledger.Store.
type Store struct {
	db *bolt.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens (or creates) the database file at path and ensures the
// buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, accountsBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) view(ctx context.Context, op string, fn func(*boltTx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError(op, err)
	}
	err := s.db.View(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
	return ledger.NewStorageError(op, err)
}

func (s *Store) update(ctx context.Context, op string, fn func(*boltTx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError(op, err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error { return fn(&boltTx{tx: tx}) })
	return ledger.NewStorageError(op, err)
}

// WithAccount runs fn inside a read-write transaction. Returning an error
// from fn rolls everything back.
func (s *Store) WithAccount(ctx context.Context, _ ledger.AccountID, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError("begin transaction", err)
	}
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return ledger.NewStorageError("commit", err)
}

func (s *Store) InsertEntry(ctx context.Context, e ledger.Entry) error {
	return s.update(ctx, "insert entry", func(btx *boltTx) error { return btx.InsertEntry(ctx, e) })
}

func (s *Store) FindEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	var e *ledger.Entry
	err := s.view(ctx, "find entry", func(btx *boltTx) error {
		var err error
		e, err = btx.FindEntry(ctx, id)
		return err
	})
	return e, err
}

func (s *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, from, to time.Time) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	err := s.view(ctx, "list entries", func(btx *boltTx) error {
		var err error
		entries, err = btx.ListEntries(ctx, accountID, from, to)
		return err
	})
	return entries, err
}

func (s *Store) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind, from, to time.Time) (int64, error) {
	var total int64
	err := s.view(ctx, "sum entries", func(btx *boltTx) error {
		var err error
		total, err = btx.SumEntries(ctx, accountID, kind, from, to)
		return err
	})
	return total, err
}

func (s *Store) MarkVoided(ctx context.Context, id ledger.EntryID) error {
	return s.update(ctx, "void entry", func(btx *boltTx) error { return btx.MarkVoided(ctx, id) })
}

func (s *Store) FindAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	var a *ledger.Account
	err := s.view(ctx, "find account", func(btx *boltTx) error {
		var err error
		a, err = btx.FindAccount(ctx, id)
		return err
	})
	return a, err
}

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) (*ledger.Account, error) {
	var stored *ledger.Account
	err := s.update(ctx, "create account", func(btx *boltTx) error {
		var err error
		stored, err = btx.CreateAccount(ctx, a)
		return err
	})
	return stored, err
}

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	return s.update(ctx, "save account", func(btx *boltTx) error { return btx.SaveAccount(ctx, a) })
}

// ListAccountIDs walks the accounts bucket from just after after.
func (s *Store) ListAccountIDs(ctx context.Context, after ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	var ids []ledger.AccountID
	err := s.view(ctx, "list accounts", func(btx *boltTx) error {
		c := btx.tx.Bucket(accountsBucket).Cursor()
		k, _ := c.Seek([]byte(after))
		if k != nil && string(k) == string(after) {
			k, _ = c.Next()
		}
		for ; k != nil; k, _ = c.Next() {
			if limit > 0 && len(ids) == limit {
				break
			}
			ids = append(ids, ledger.AccountID(k))
		}
		return nil
	})
	return ids, err
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

// boltTx implements ledger.Tx on one bolt transaction.
type boltTx struct {
	tx *bolt.Tx
}

// entryRecord is the stored form of a ledger.Entry.
type entryRecord struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Status    string    `json:"status"`
	Reverses  string    `json:"reverses,omitempty"`
	Seq       int64     `json:"seq"`
}

func (r entryRecord) entry() ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(r.ID),
		AccountID: ledger.AccountID(r.AccountID),
		Kind:      ledger.Kind(r.Kind),
		Amount:    r.Amount,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		CreatedBy: r.CreatedBy,
		Status:    ledger.Status(r.Status),
		Reverses:  ledger.EntryID(r.Reverses),
		Seq:       r.Seq,
	}
}

func (btx *boltTx) InsertEntry(_ context.Context, e ledger.Entry) error {
	entries := btx.tx.Bucket(entriesBucket)

	// --- Idempotency check ---
	if entries.Get([]byte(e.ID)) != nil {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateEntry, e.ID)
	}
	seq, err := entries.NextSequence()
	if err != nil {
		return ledger.NewStorageError("next sequence", err)
	}
	if e.Status == "" {
		e.Status = ledger.StatusPosted
	}
	rec := entryRecord{
		ID:        string(e.ID),
		AccountID: string(e.AccountID),
		Kind:      string(e.Kind),
		Amount:    e.Amount,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt.UTC(),
		CreatedBy: e.CreatedBy,
		Status:    string(e.Status),
		Reverses:  string(e.Reverses),
		Seq:       int64(seq),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return ledger.NewStorageError("encode entry", err)
	}
	if err := entries.Put([]byte(e.ID), data); err != nil {
		return ledger.NewStorageError("insert entry", err)
	}

	history, err := btx.tx.Bucket(historyBucket).CreateBucketIfNotExists([]byte(e.AccountID))
	if err != nil {
		return ledger.NewStorageError("insert entry", err)
	}
	return ledger.NewStorageError("insert entry", history.Put(historyKey(e.CreatedAt, seq), []byte(e.ID)))
}

func (btx *boltTx) FindEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	rec, err := btx.record(id)
	if err != nil {
		return nil, err
	}
	e := rec.entry()
	return &e, nil
}

func (btx *boltTx) record(id ledger.EntryID) (entryRecord, error) {
	var rec entryRecord
	v := btx.tx.Bucket(entriesBucket).Get([]byte(id))
	if v == nil {
		return rec, ledger.ErrEntryNotFound
	}
	return rec, ledger.NewStorageError("decode entry", json.Unmarshal(v, &rec))
}

func (btx *boltTx) ListEntries(_ context.Context, accountID ledger.AccountID, from, to time.Time) ([]ledger.Entry, error) {
	history := btx.tx.Bucket(historyBucket).Bucket([]byte(accountID))
	if history == nil {
		return nil, nil
	}

	var entries []ledger.Entry
	c := history.Cursor()
	k, v := c.First()
	if !from.IsZero() {
		k, v = c.Seek(historyKey(from, 0))
	}
	var upper []byte
	if !to.IsZero() {
		upper = historyKey(to, 0)
	}
	for ; k != nil; k, v = c.Next() {
		if upper != nil && bytes.Compare(k, upper) >= 0 {
			break
		}
		rec, err := btx.record(ledger.EntryID(v))
		if err != nil {
			return nil, err
		}
		entries = append(entries, rec.entry())
	}
	return entries, nil
}

func (btx *boltTx) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind, from, to time.Time) (int64, error) {
	entries, err := btx.ListEntries(ctx, accountID, from, to)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Kind == kind && e.Counts() {
			total += e.Amount
		}
	}
	return total, nil
}

func (btx *boltTx) MarkVoided(_ context.Context, id ledger.EntryID) error {
	rec, err := btx.record(id)
	if err != nil {
		return err
	}
	if rec.Status == string(ledger.StatusVoided) {
		return fmt.Errorf("%w: %s", ledger.ErrAlreadyVoided, id)
	}
	rec.Status = string(ledger.StatusVoided)
	data, err := json.Marshal(rec)
	if err != nil {
		return ledger.NewStorageError("encode entry", err)
	}
	return ledger.NewStorageError("void entry", btx.tx.Bucket(entriesBucket).Put([]byte(id), data))
}

func (btx *boltTx) FindAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	v := btx.tx.Bucket(accountsBucket).Get([]byte(id))
	if v == nil {
		return nil, ledger.ErrAccountNotFound
	}
	var a ledger.Account
	if err := json.Unmarshal(v, &a); err != nil {
		return nil, ledger.NewStorageError("decode account", err)
	}
	return &a, nil
}

func (btx *boltTx) CreateAccount(ctx context.Context, a ledger.Account) (*ledger.Account, error) {
	if existing, err := btx.FindAccount(ctx, a.ID); err == nil {
		return existing, nil
	}
	if err := btx.putAccount(a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (btx *boltTx) SaveAccount(ctx context.Context, a ledger.Account) error {
	if _, err := btx.FindAccount(ctx, a.ID); err != nil {
		return err
	}
	return btx.putAccount(a)
}

func (btx *boltTx) putAccount(a ledger.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return ledger.NewStorageError("encode account", err)
	}
	return ledger.NewStorageError("save account", btx.tx.Bucket(accountsBucket).Put([]byte(a.ID), data))
}

// historyKey orders by time, then by sequence. The sign bit is flipped so
// pre-1970 timestamps still sort first.
func historyKey(t time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(t.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}
