/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Caller errors - invalid input, caps, insufficient balance (never retried)
  2. Idempotency outcomes - duplicate entry ids (a successful no-op upstream)
  3. Storage errors - transient backend failures (safe to retry with the same id)
  4. Audit errors - reconciliation drift (surfaced to an operator)

USAGE:
  Callers branch with errors.Is on the sentinels and errors.As on the
  structured types when they need the details:

    var capErr *ledger.CapExceededError
    if errors.As(err, &capErr) {
        retryAfter := capErr.WindowEnd
    }
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidEntry is returned for non-positive amounts or missing fields.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrDuplicateEntry is returned when an entry id was already posted.
	// Retries hit this and must treat it as success.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrIdempotencyConflict is returned when an entry id is reused for a
	// different account, kind or amount.
	ErrIdempotencyConflict = errors.New("entry id reused with different parameters")

	ErrCapExceeded         = errors.New("cap exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStorageUnavailable marks a transient backend failure.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrDriftDetected = errors.New("balance drift detected")

	ErrEntryNotFound   = errors.New("entry not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrAlreadyVoided   = errors.New("entry already voided")
	ErrAccountClosed   = errors.New("account closed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field of a rejected request or entry.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEntry }

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapExceededError reports which window would be breached.
type CapExceededError struct {
	AccountID AccountID
	Kind      Kind
	Limit     int64
	Used      int64
	Requested int64
	WindowEnd time.Time
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("cap exceeded: %s limit %d, used %d, requested %d (window ends %s)",
		e.Kind, e.Limit, e.Used, e.Requested, e.WindowEnd.Format(time.RFC3339))
}

func (e *CapExceededError) Unwrap() error { return ErrCapExceeded }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// StorageError wraps a backend failure. It matches ErrStorageUnavailable and
// unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// NewStorageError wraps err for op. Domain errors pass through unchanged so
// backends can call it on every return path.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// DriftError carries the report for a mismatched account.
type DriftError struct {
	Report DriftReport
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("balance drift on %s: expected %d, actual %d",
		e.Report.AccountID, e.Report.Expected, e.Report.Actual)
}

func (e *DriftError) Unwrap() error { return ErrDriftDetected }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrCapExceeded) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrIdempotencyConflict) ||
		errors.Is(err, ErrAlreadyVoided) ||
		errors.Is(err, ErrAccountClosed)
}

func isDomainError(err error) bool {
	if errors.Is(err, ErrStorageUnavailable) {
		return true
	}
	return IsClientError(err) ||
		errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrDriftDetected)
}
