/*
policy.go - Earn and redeem caps

PURPOSE:
  Limits how many HealCoins one account can earn per calendar day and
  redeem per calendar month. Limits are deployment configuration, never
  constants in code.

BOUNDARY:
  A request fails only when used + amount is STRICTLY greater than the
  limit. Landing exactly on the limit is allowed:

    limit 100, used 0,   earn 100 -> ok
    limit 100, used 100, earn 1   -> ErrCapExceeded

WINDOWS:
  Windows are whole calendar periods in CapConfig.Location: the day or
  month containing now. Entries are stamped inside the account lock, so
  nothing in the window can postdate now.

STATELESS:
  CapPolicy holds no counters. Each check sums the log through the
  EntryStore it is given, which inside Service is the locked Tx.
*/
package ledger

import (
	"context"
	"time"
)

// CapConfig holds the per-deployment limits. A limit <= 0 disables that cap.
type CapConfig struct {
	DailyEarnLimit     int64
	MonthlyRedeemLimit int64
	Location           *time.Location
}

type CapPolicy struct {
	Config CapConfig
	Log    *TransactionLog
}

func NewCapPolicy(cfg CapConfig, log *TransactionLog) *CapPolicy {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &CapPolicy{Config: cfg, Log: log}
}

// CheckEarn sums today's earn entries and rejects if the new amount would
// push the total above DailyEarnLimit.
func (p *CapPolicy) CheckEarn(ctx context.Context, accountID AccountID, amount int64, now time.Time) error {
	return p.check(ctx, accountID, KindEarn, amount, p.Config.DailyEarnLimit, DayWindow(now, p.Config.Location))
}

// CheckRedeem sums this month's redeem entries and rejects if the new amount
// would push the total above MonthlyRedeemLimit.
func (p *CapPolicy) CheckRedeem(ctx context.Context, accountID AccountID, amount int64, now time.Time) error {
	return p.check(ctx, accountID, KindRedeem, amount, p.Config.MonthlyRedeemLimit, MonthWindow(now, p.Config.Location))
}

// Check dispatches on kind.
func (p *CapPolicy) Check(ctx context.Context, accountID AccountID, kind Kind, amount int64, now time.Time) error {
	if kind == KindRedeem {
		return p.CheckRedeem(ctx, accountID, amount, now)
	}
	return p.CheckEarn(ctx, accountID, amount, now)
}

func (p *CapPolicy) check(ctx context.Context, accountID AccountID, kind Kind, amount, limit int64, w Window) error {
	if limit <= 0 {
		return nil
	}
	used, err := p.Log.SumByKind(ctx, accountID, kind, w.Start, w.End)
	if err != nil {
		return err
	}
	if amount > limit-used {
		return &CapExceededError{
			AccountID: accountID,
			Kind:      kind,
			Limit:     limit,
			Used:      used,
			Requested: amount,
			WindowEnd: w.End,
		}
	}
	return nil
}

// Remaining returns how much of kind can still be posted in the window
// containing now, or -1 when the cap is disabled.
func (p *CapPolicy) Remaining(ctx context.Context, accountID AccountID, kind Kind, now time.Time) (int64, error) {
	limit, w := p.Config.DailyEarnLimit, DayWindow(now, p.Config.Location)
	if kind == KindRedeem {
		limit, w = p.Config.MonthlyRedeemLimit, MonthWindow(now, p.Config.Location)
	}
	if limit <= 0 {
		return -1, nil
	}
	used, err := p.Log.SumByKind(ctx, accountID, kind, w.Start, w.End)
	if err != nil {
		return 0, err
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}
