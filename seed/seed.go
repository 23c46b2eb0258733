// Package seed loads wallet fixtures from YAML and applies them through a
// ledger.Service, so seeded data obeys the same caps and validation as live
// traffic. Every fixture entry carries an entry id, which makes applying the
// same file twice a no-op.
//
//	accounts:
//	  - id: user-1
//	    entries:
//	      - {kind: earn, amount: 50, reason: daily_checkin, entry_id: seed-user-1-1}
//	      - {kind: redeem, amount: 20, reason: voucher, entry_id: seed-user-1-2}
//	  - id: user-2
//	    closed: true
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zeroprint/healcoin/ledger"
)

// EntryFixture is one earn or redeem.
type EntryFixture struct {
	Kind    string `yaml:"kind"`
	Amount  int64  `yaml:"amount"`
	Reason  string `yaml:"reason"`
	EntryID string `yaml:"entry_id"`
	Actor   string `yaml:"actor"`
}

// AccountFixture is one wallet and its entries, applied in order.
type AccountFixture struct {
	ID      string         `yaml:"id"`
	Entries []EntryFixture `yaml:"entries"`
	Closed  bool           `yaml:"closed"`
}

// Fixture is a parsed seed file.
type Fixture struct {
	Accounts []AccountFixture `yaml:"accounts"`
}

// Result counts what Apply did.
type Result struct {
	Accounts int
	Applied  int
	Replayed int
}

// LoadFile reads and parses a seed file.
func LoadFile(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and checks a fixture.
func Parse(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parsing seed file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate checks the shape of the fixture. Amounts and reasons are left to
// the ledger.
func (f Fixture) Validate() error {
	seen := make(map[string]string)
	for i, acc := range f.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("account %d: id is required", i)
		}
		for j, e := range acc.Entries {
			if ledger.Kind(e.Kind) != ledger.KindEarn && ledger.Kind(e.Kind) != ledger.KindRedeem {
				return fmt.Errorf("account %q entry %d: kind must be earn or redeem, got %q", acc.ID, j, e.Kind)
			}
			if e.EntryID == "" {
				return fmt.Errorf("account %q entry %d: entry_id is required", acc.ID, j)
			}
			if prev, ok := seen[e.EntryID]; ok {
				return fmt.Errorf("entry_id %q used by %q and %q", e.EntryID, prev, acc.ID)
			}
			seen[e.EntryID] = acc.ID
		}
	}
	return nil
}

// Apply posts every fixture entry through svc. Entries already applied are
// counted as replayed. The first other error stops the run.
func Apply(ctx context.Context, svc *ledger.Service, f Fixture) (Result, error) {
	var res Result
	for _, acc := range f.Accounts {
		id := ledger.AccountID(acc.ID)
		if _, err := svc.Account(ctx, id); err != nil {
			return res, fmt.Errorf("account %q: %w", acc.ID, err)
		}
		res.Accounts++

		for _, e := range acc.Entries {
			req := ledger.EarnRequest{
				AccountID: id,
				Amount:    e.Amount,
				Reason:    e.Reason,
				EntryID:   ledger.EntryID(e.EntryID),
				Actor:     e.Actor,
			}
			var err error
			if ledger.Kind(e.Kind) == ledger.KindEarn {
				_, err = svc.Earn(ctx, req)
			} else {
				_, err = svc.Redeem(ctx, ledger.RedeemRequest(req))
			}
			switch {
			case err == nil:
				res.Applied++
			case errors.Is(err, ledger.ErrDuplicateEntry):
				res.Replayed++
			default:
				return res, fmt.Errorf("entry %q: %w", e.EntryID, err)
			}
		}

		if acc.Closed {
			if _, err := svc.Close(ctx, id, ledger.ActorSystem); err != nil {
				return res, fmt.Errorf("closing %q: %w", acc.ID, err)
			}
		}
	}
	return res, nil
}
