/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  HealCoin has no fractional unit. Amounts arrive as JSON numbers or
  strings and are decoded with shopspring/decimal so that 10.5 or "1e2"
  is judged on its value, then converted to int64. Anything fractional or
  out of int64 range is an invalid entry.

TIMESTAMPS:
  RFC3339 with nanoseconds, UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Entry and Account
*/
package api

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zeroprint/healcoin/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// PostEntryRequest is the body of earn and redeem. EntryID falls back to
// the Idempotency-Key header, then to a generated id.
type PostEntryRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	EntryID string          `json:"entry_id,omitempty"`
}

// VoidEntryRequest is the body of an admin void.
type VoidEntryRequest struct {
	Reason string `json:"reason"`
}

// RunReconciliationRequest optionally resumes a batch after an account id.
type RunReconciliationRequest struct {
	After    string `json:"after,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// wholeAmount converts a decoded amount to coins. Sign is left to the
// ledger's own validation.
func wholeAmount(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, &ledger.ValidationError{Field: "amount", Message: "must be a whole number of coins"}
	}
	if d.Abs().GreaterThan(maxAmount) {
		return 0, &ledger.ValidationError{Field: "amount", Message: "is out of range"}
	}
	return d.IntPart(), nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO represents a wallet in API responses.
type AccountDTO struct {
	ID               string   `json:"id"`
	Balance          int64    `json:"balance"`
	LifetimeEarned   int64    `json:"lifetime_earned"`
	LifetimeRedeemed int64    `json:"lifetime_redeemed"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
	ClosedAt         *string  `json:"closed_at,omitempty"`
	Caps             *CapsDTO `json:"caps,omitempty"`
}

// CapsDTO reports the current cap windows. Nil fields mean the cap is off.
type CapsDTO struct {
	DailyEarnLimit         *int64 `json:"daily_earn_limit,omitempty"`
	DailyEarnRemaining     *int64 `json:"daily_earn_remaining,omitempty"`
	MonthlyRedeemLimit     *int64 `json:"monthly_redeem_limit,omitempty"`
	MonthlyRedeemRemaining *int64 `json:"monthly_redeem_remaining,omitempty"`
}

// EntryDTO represents a log entry in API responses.
type EntryDTO struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by"`
	Status    string `json:"status"`
	Reverses  string `json:"reverses,omitempty"`
}

// PostEntryResponse is returned by earn and redeem. Replayed is true when
// the entry id had already been applied; Account is then the state left
// by the first application.
type PostEntryResponse struct {
	EntryID  string     `json:"entry_id"`
	Replayed bool       `json:"replayed"`
	Account  AccountDTO `json:"account"`
}

// DriftReportDTO represents one account's reconciliation result.
type DriftReportDTO struct {
	AccountID string `json:"account_id"`
	Expected  int64  `json:"expected"`
	Actual    int64  `json:"actual"`
	Drift     int64  `json:"drift"`
	Entries   int    `json:"entries"`
	CheckedAt string `json:"checked_at"`
}

// ReconciliationRunDTO summarizes a batch reconciliation.
type ReconciliationRunDTO struct {
	Checked     int              `json:"checked"`
	Drifted     int              `json:"drifted"`
	TotalDrift  int64            `json:"total_drift"`
	Last        string           `json:"last,omitempty"`
	StartedAt   string           `json:"started_at"`
	CompletedAt string           `json:"completed_at"`
	Error       string           `json:"error,omitempty"`
	Drift       []DriftReportDTO `json:"drift"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toAccountDTO(a *ledger.Account) AccountDTO {
	dto := AccountDTO{
		ID:               string(a.ID),
		Balance:          a.Balance,
		LifetimeEarned:   a.LifetimeEarned,
		LifetimeRedeemed: a.LifetimeRedeemed,
		CreatedAt:        formatTime(a.CreatedAt),
		UpdatedAt:        formatTime(a.UpdatedAt),
	}
	if a.ClosedAt != nil {
		closed := formatTime(*a.ClosedAt)
		dto.ClosedAt = &closed
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:        string(e.ID),
		AccountID: string(e.AccountID),
		Kind:      string(e.Kind),
		Amount:    e.Amount,
		Reason:    e.Reason,
		CreatedAt: formatTime(e.CreatedAt),
		CreatedBy: e.CreatedBy,
		Status:    string(e.Status),
		Reverses:  string(e.Reverses),
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toDriftReportDTO(r ledger.DriftReport) DriftReportDTO {
	return DriftReportDTO{
		AccountID: string(r.AccountID),
		Expected:  r.Expected,
		Actual:    r.Actual,
		Drift:     r.Drift,
		Entries:   r.Entries,
		CheckedAt: formatTime(r.CheckedAt),
	}
}

func toReconciliationRunDTO(run ReconciliationRun) ReconciliationRunDTO {
	dto := ReconciliationRunDTO{
		Checked:     run.Summary.Checked,
		Drifted:     run.Summary.Drifted,
		TotalDrift:  run.Summary.TotalDrift,
		Last:        string(run.Summary.Last),
		StartedAt:   formatTime(run.StartedAt),
		CompletedAt: formatTime(run.CompletedAt),
		Drift:       make([]DriftReportDTO, len(run.Drift)),
	}
	if run.Err != nil {
		dto.Error = run.Err.Error()
	}
	for i, r := range run.Drift {
		dto.Drift[i] = toDriftReportDTO(r)
	}
	return dto
}
