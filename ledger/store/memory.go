// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeroprint/healcoin/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps entries and accounts in maps. WithAccount serializes per
// account with a dedicated mutex and stages writes until fn returns, so
// a failed fn leaves nothing behind and different accounts never wait on
// each other except for the brief commit.
type Memory struct {
	mu        sync.RWMutex
	entries   map[ledger.EntryID]ledger.Entry
	byAccount map[ledger.AccountID][]ledger.EntryID
	accounts  map[ledger.AccountID]ledger.Account
	seq       atomic.Int64

	locksMu sync.Mutex
	locks   map[ledger.AccountID]*sync.Mutex
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[ledger.EntryID]ledger.Entry),
		byAccount: make(map[ledger.AccountID][]ledger.EntryID),
		accounts:  make(map[ledger.AccountID]ledger.Account),
		locks:     make(map[ledger.AccountID]*sync.Mutex),
	}
}

func (m *Memory) lockFor(id ledger.AccountID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// WithAccount runs fn holding id's lock and commits staged writes on success.
func (m *Memory) WithAccount(ctx context.Context, id ledger.AccountID, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return ledger.NewStorageError("lock account", err)
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	view := &memoryTx{parent: m, accounts: make(map[ledger.AccountID]ledger.Account), voided: make(map[ledger.EntryID]bool)}
	if err := fn(view); err != nil {
		return err
	}
	return m.commit(view)
}

func (m *Memory) commit(v *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same-account writers are serialized, so a clash here came from
	// another account reusing the id.
	for _, e := range v.entries {
		if _, ok := m.entries[e.ID]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrIdempotencyConflict, e.ID)
		}
	}
	for _, e := range v.entries {
		m.entries[e.ID] = e
		m.byAccount[e.AccountID] = append(m.byAccount[e.AccountID], e.ID)
	}
	for id := range v.voided {
		e := m.entries[id]
		e.Status = ledger.StatusVoided
		m.entries[id] = e
	}
	for id, a := range v.accounts {
		m.accounts[id] = a
	}
	return nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

// InsertEntry writes outside any account lock. Service never does this;
// it exists for fixtures and tests.
func (m *Memory) InsertEntry(ctx context.Context, e ledger.Entry) error {
	return m.WithAccount(ctx, e.AccountID, func(tx ledger.Tx) error {
		return tx.InsertEntry(ctx, e)
	})
}

func (m *Memory) FindEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return &e, nil
}

func (m *Memory) ListEntries(_ context.Context, accountID ledger.AccountID, from, to time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(accountID, from, to, nil), nil
}

func (m *Memory) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind, from, to time.Time) (int64, error) {
	entries, _ := m.ListEntries(ctx, accountID, from, to)
	return sumCounted(entries, kind), nil
}

func (m *Memory) MarkVoided(ctx context.Context, id ledger.EntryID) error {
	e, err := m.FindEntry(ctx, id)
	if err != nil {
		return err
	}
	return m.WithAccount(ctx, e.AccountID, func(tx ledger.Tx) error {
		return tx.MarkVoided(ctx, id)
	})
}

// listLocked merges committed entries with staged ones. Callers hold mu.
func (m *Memory) listLocked(accountID ledger.AccountID, from, to time.Time, staged []ledger.Entry) []ledger.Entry {
	var result []ledger.Entry
	keep := func(e ledger.Entry) {
		if !from.IsZero() && e.CreatedAt.Before(from) {
			return
		}
		if !to.IsZero() && !e.CreatedAt.Before(to) {
			return
		}
		result = append(result, e)
	}
	for _, id := range m.byAccount[accountID] {
		keep(m.entries[id])
	}
	for _, e := range staged {
		if e.AccountID == accountID {
			keep(e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result
}

func sumCounted(entries []ledger.Entry, kind ledger.Kind) int64 {
	var total int64
	for _, e := range entries {
		if e.Kind == kind && e.Counts() {
			total += e.Amount
		}
	}
	return total
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (m *Memory) FindAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.accounts[a.ID]; ok {
		return &existing, nil
	}
	m.accounts[a.ID] = a
	return &a, nil
}

func (m *Memory) SaveAccount(ctx context.Context, a ledger.Account) error {
	return m.WithAccount(ctx, a.ID, func(tx ledger.Tx) error {
		return tx.SaveAccount(ctx, a)
	})
}

func (m *Memory) ListAccountIDs(_ context.Context, after ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	m.mu.RLock()
	ids := make([]ledger.AccountID, 0, len(m.accounts))
	for id := range m.accounts {
		if id > after {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx stages writes made while an account is locked.
type memoryTx struct {
	parent   *Memory
	entries  []ledger.Entry
	accounts map[ledger.AccountID]ledger.Account
	voided   map[ledger.EntryID]bool
}

func (tv *memoryTx) InsertEntry(ctx context.Context, e ledger.Entry) error {
	if _, err := tv.FindEntry(ctx, e.ID); err == nil {
		return ledger.ErrDuplicateEntry
	}
	e.Seq = tv.parent.seq.Add(1)
	tv.entries = append(tv.entries, e)
	return nil
}

func (tv *memoryTx) FindEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	for _, e := range tv.entries {
		if e.ID == id {
			e := tv.withStatus(e)
			return &e, nil
		}
	}
	e, err := tv.parent.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	v := tv.withStatus(*e)
	return &v, nil
}

func (tv *memoryTx) withStatus(e ledger.Entry) ledger.Entry {
	if tv.voided[e.ID] {
		e.Status = ledger.StatusVoided
	}
	return e
}

func (tv *memoryTx) ListEntries(_ context.Context, accountID ledger.AccountID, from, to time.Time) ([]ledger.Entry, error) {
	tv.parent.mu.RLock()
	entries := tv.parent.listLocked(accountID, from, to, tv.entries)
	tv.parent.mu.RUnlock()
	for i := range entries {
		entries[i] = tv.withStatus(entries[i])
	}
	return entries, nil
}

func (tv *memoryTx) SumEntries(ctx context.Context, accountID ledger.AccountID, kind ledger.Kind, from, to time.Time) (int64, error) {
	entries, _ := tv.ListEntries(ctx, accountID, from, to)
	return sumCounted(entries, kind), nil
}

func (tv *memoryTx) MarkVoided(ctx context.Context, id ledger.EntryID) error {
	e, err := tv.FindEntry(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == ledger.StatusVoided {
		return ledger.ErrAlreadyVoided
	}
	tv.voided[id] = true
	return nil
}

func (tv *memoryTx) FindAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	if a, ok := tv.accounts[id]; ok {
		return &a, nil
	}
	return tv.parent.FindAccount(ctx, id)
}

func (tv *memoryTx) CreateAccount(ctx context.Context, a ledger.Account) (*ledger.Account, error) {
	if existing, err := tv.FindAccount(ctx, a.ID); err == nil {
		return existing, nil
	}
	tv.accounts[a.ID] = a
	return &a, nil
}

func (tv *memoryTx) SaveAccount(_ context.Context, a ledger.Account) error {
	tv.accounts[a.ID] = a
	return nil
}
