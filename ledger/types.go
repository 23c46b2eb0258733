/*
Package ledger provides the HealCoin wallet ledger engine.

PURPOSE:
  Every HealCoin balance change is recorded as an immutable Entry in an
  append-only log, and each Account carries a materialized balance that is
  updated in the same atomic unit as the append. Caps limit how much an
  account can earn per day and redeem per month.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: materialized balance plus lifetime earn/redeem counters
  - Entry: one immutable earn or redeem record, keyed by its idempotency id
  - Kind / Status: what an entry does and whether it still counts

INVARIANTS:
  1. Balance == LifetimeEarned - LifetimeRedeemed, Balance >= 0
  2. Entries are never edited; corrections post an offsetting entry and
     mark the original voided
  3. An EntryID is applied at most once

SEE ALSO:
  - log.go: TransactionLog (append-only entries)
  - wallet.go: WalletStore (materialized balances)
  - policy.go: CapPolicy (daily/monthly limits)
  - service.go: Service (earn/redeem orchestration)
  - projection.go: BalanceProjector (drift detection)
*/
package ledger

import (
	"math"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string

// ActorSystem is the actor recorded when no user or admin initiated the change.
const ActorSystem = "system"

// =============================================================================
// ENTRY - Immutable record of a balance change
// =============================================================================

type Kind string

const (
	KindEarn   Kind = "earn"
	KindRedeem Kind = "redeem"
)

func (k Kind) Valid() bool { return k == KindEarn || k == KindRedeem }

// Opposite returns the kind that cancels k.
func (k Kind) Opposite() Kind {
	if k == KindEarn {
		return KindRedeem
	}
	return KindEarn
}

type Status string

const (
	StatusPosted Status = "posted"
	StatusVoided Status = "voided"
)

type Entry struct {
	ID        EntryID
	AccountID AccountID
	Kind      Kind
	Amount    int64
	Reason    string
	CreatedAt time.Time
	CreatedBy string
	Status    Status

	// Reverses is set on an offsetting entry and names the voided original.
	Reverses EntryID

	// Seq is assigned by the store and orders entries with equal CreatedAt.
	Seq int64
}

// Signed returns +Amount for earn and -Amount for redeem.
func (e Entry) Signed() int64 {
	if e.Kind == KindRedeem {
		return -e.Amount
	}
	return e.Amount
}

// Counts reports whether the entry contributes to cap windows and to the
// reconciliation fold. A voided original and its offset net to zero, so
// neither counts.
func (e Entry) Counts() bool {
	return e.Status == StatusPosted && e.Reverses == ""
}

// =============================================================================
// ACCOUNT - Materialized wallet state
// =============================================================================

type Account struct {
	ID               AccountID
	Balance          int64
	LifetimeEarned   int64
	LifetimeRedeemed int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
}

func NewAccount(id AccountID, now time.Time) Account {
	return Account{ID: id, CreatedAt: now, UpdatedAt: now}
}

func (a Account) Closed() bool { return a.ClosedAt != nil }

// Consistent reports whether the conservation invariant holds.
func (a Account) Consistent() bool {
	return a.Balance >= 0 && a.Balance == a.LifetimeEarned-a.LifetimeRedeemed
}

// apply returns a copy of a with one entry's effect applied.
func (a Account) apply(kind Kind, amount int64, at time.Time) (Account, error) {
	switch kind {
	case KindEarn:
		if amount > math.MaxInt64-a.LifetimeEarned {
			return a, invalidf("amount", "earning %d would overflow the lifetime total of %d", amount, a.LifetimeEarned)
		}
		a.Balance += amount
		a.LifetimeEarned += amount
	case KindRedeem:
		if amount > a.Balance {
			return a, &InsufficientBalanceError{
				AccountID: a.ID,
				Available: a.Balance,
				Requested: amount,
			}
		}
		a.Balance -= amount
		a.LifetimeRedeemed += amount
	default:
		return a, invalidf("kind", "unknown entry kind %q", kind)
	}
	a.UpdatedAt = at
	return a, nil
}
