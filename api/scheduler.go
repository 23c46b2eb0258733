/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically replays every account's log and compares it with the
  materialized balance. Drift is logged for an operator and kept on the
  last run for the API; nothing is corrected automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Walks accounts in pages through BalanceProjector.ReconcileAll
  - Runs never overlap; a manual RunNow waits for a scheduled one
  - Stop cancels an in-flight run

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - PageSize: Accounts per store read (default: ledger.DefaultReconcilePageSize)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(projector, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual run)
  - ledger/projection.go: BalanceProjector
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zeroprint/healcoin/ledger"
)

// maxDriftKept bounds the drift reports retained per run.
const maxDriftKept = 100

// ReconciliationRun is the outcome of one batch.
type ReconciliationRun struct {
	Summary     ledger.ReconcileSummary
	Drift       []ledger.DriftReport
	StartedAt   time.Time
	CompletedAt time.Time
	Err         error
}

// ReconciliationScheduler handles automated drift detection.
type ReconciliationScheduler struct {
	Projector     *ledger.BalanceProjector
	Logger        *slog.Logger
	CheckInterval time.Duration
	PageSize      int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	runMu   sync.Mutex
	lastMu  sync.RWMutex
	lastRun *ReconciliationRun
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(projector *ledger.BalanceProjector, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Projector:     projector,
		Logger:        logger.With(slog.String("component", "reconciliation")),
		CheckInterval: 1 * time.Hour,
		PageSize:      ledger.DefaultReconcilePageSize,
		Enabled:       true,
	}
}

// Start begins the scheduler. It runs once immediately, then every
// CheckInterval.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Logger.Info("scheduler started", slog.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run to return.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		rs.cancel()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	rs.RunNow(ctx, ledger.ReconcileOptions{})

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx, ledger.ReconcileOptions{})
		case <-rs.stop:
			return
		}
	}
}

// RunNow reconciles every account after opts.After and records the result
// as the last run. A zero PageSize uses the scheduler's.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context, opts ledger.ReconcileOptions) ReconciliationRun {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	if opts.PageSize <= 0 {
		opts.PageSize = rs.PageSize
	}
	run := ReconciliationRun{StartedAt: time.Now().UTC()}

	summary, err := rs.Projector.ReconcileAll(ctx, opts, func(report ledger.DriftReport) error {
		if report.OK() {
			return nil
		}
		rs.Logger.Warn("balance drift detected",
			slog.String("account_id", string(report.AccountID)),
			slog.Int64("expected", report.Expected),
			slog.Int64("actual", report.Actual),
			slog.Int64("drift", report.Drift),
		)
		if len(run.Drift) < maxDriftKept {
			run.Drift = append(run.Drift, report)
		}
		return nil
	})
	run.Summary = summary
	run.Err = err
	run.CompletedAt = time.Now().UTC()

	attrs := []any{
		slog.Int("checked", summary.Checked),
		slog.Int("drifted", summary.Drifted),
		slog.Int64("total_drift", summary.TotalDrift),
		slog.Duration("duration", run.CompletedAt.Sub(run.StartedAt)),
	}
	switch {
	case err == nil:
		rs.Logger.Info("reconciliation completed", attrs...)
	case errors.Is(err, context.Canceled):
		rs.Logger.Info("reconciliation canceled", append(attrs, slog.String("last", string(summary.Last)))...)
	default:
		rs.Logger.Error("reconciliation failed",
			append(attrs, slog.String("last", string(summary.Last)), slog.String("error", err.Error()))...)
	}

	rs.lastMu.Lock()
	rs.lastRun = &run
	rs.lastMu.Unlock()
	return run
}

// LastRun returns the most recent run, if any.
func (rs *ReconciliationScheduler) LastRun() (ReconciliationRun, bool) {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	if rs.lastRun == nil {
		return ReconciliationRun{}, false
	}
	return *rs.lastRun, true
}
