/*
projection.go - Balance reconciliation

PURPOSE:
  Detects drift between the materialized wallet balance and the balance
  implied by the log. Drift means something wrote one collection without
  the other: a partial apply, a manual data edit, a bad migration.

FOLD:
  expected = sum(+amount for counted earn) - sum(amount for counted redeem)
  drift    = actual - expected

  Correction pairs (voided original + offset) are skipped; they net to zero
  in the wallet as well.

NEVER AUTO-CORRECTS:
  A drift report goes to an operator. The fix is an admin-issued entry,
  which keeps the log the explanation for every coin.

BATCH:
  ReconcileAll walks account ids in ascending order. The summary's Last
  field is a cursor: pass it back as ReconcileOptions.After to resume an
  interrupted run.
*/
package ledger

import (
	"context"
	"errors"
	"time"
)

const DefaultReconcilePageSize = 100

type DriftReport struct {
	AccountID AccountID
	Expected  int64
	Actual    int64
	Drift     int64
	Entries   int
	CheckedAt time.Time
}

func (r DriftReport) OK() bool { return r.Drift == 0 }

type ReconcileOptions struct {
	After    AccountID
	PageSize int
}

type ReconcileSummary struct {
	Checked    int
	Drifted    int
	TotalDrift int64
	Last       AccountID
}

// Fold replays entries into the balance they imply.
func Fold(entries []Entry) int64 {
	var balance int64
	for _, e := range entries {
		if e.Counts() {
			balance += e.Signed()
		}
	}
	return balance
}

// BalanceProjector verifies wallets against the log.
type BalanceProjector struct {
	Store Store
	Clock Clock
}

func NewBalanceProjector(store Store, clock Clock) *BalanceProjector {
	if clock == nil {
		clock = SystemClock
	}
	return &BalanceProjector{Store: store, Clock: clock}
}

// Reconcile compares one account's balance with its replayed log. Both are
// read under the account lock so an in-flight earn cannot show up as drift.
// A mismatch returns the report together with a *DriftError.
func (p *BalanceProjector) Reconcile(ctx context.Context, id AccountID) (DriftReport, error) {
	var report DriftReport
	err := p.Store.WithAccount(ctx, id, func(tx Tx) error {
		entries, err := tx.ListEntries(ctx, id, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		acc, err := NewWalletStore(tx, p.Clock).Get(ctx, id)
		if err != nil {
			return err
		}
		expected := Fold(entries)
		report = DriftReport{
			AccountID: id,
			Expected:  expected,
			Actual:    acc.Balance,
			Drift:     acc.Balance - expected,
			Entries:   len(entries),
			CheckedAt: p.Clock(),
		}
		return nil
	})
	if err != nil {
		return DriftReport{AccountID: id}, err
	}
	if !report.OK() {
		return report, &DriftError{Report: report}
	}
	return report, nil
}

// ReconcileAll reconciles every account after opts.After. fn, if set, sees
// every report, drifted or not; returning an error from fn stops the run.
// Drift never stops the run. Storage errors do, with the summary's Last
// cursor pointing at the last account fully checked.
func (p *BalanceProjector) ReconcileAll(ctx context.Context, opts ReconcileOptions, fn func(DriftReport) error) (ReconcileSummary, error) {
	size := opts.PageSize
	if size <= 0 {
		size = DefaultReconcilePageSize
	}
	summary := ReconcileSummary{Last: opts.After}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		ids, err := p.Store.ListAccountIDs(ctx, summary.Last, size)
		if err != nil {
			return summary, err
		}
		for _, id := range ids {
			report, err := p.Reconcile(ctx, id)
			if err != nil && !errors.Is(err, ErrDriftDetected) {
				return summary, err
			}
			summary.Checked++
			if !report.OK() {
				summary.Drifted++
				summary.TotalDrift += report.Drift
			}
			if fn != nil {
				if err := fn(report); err != nil {
					return summary, err
				}
			}
			summary.Last = id
		}
		if len(ids) < size {
			return summary, nil
		}
	}
}
