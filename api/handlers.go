/*
handlers.go - HTTP API handlers for the HealCoin wallet ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger package.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{id}              Wallet with cap headroom (created on first sight)
    GET    /api/accounts/{id}/entries      Log entries, ?since=&until= (RFC3339)
    POST   /api/accounts/{id}/earn         Credit coins
    POST   /api/accounts/{id}/redeem       Debit coins
    POST   /api/accounts/{id}/close        Zero the balance and close (admin)

  Entries:
    POST   /api/entries/{id}/void          Reverse a posted entry (admin)

  Reconciliation:
    GET    /api/reconciliation/{id}        Drift report for one account
    POST   /api/reconciliation/run         Reconcile all accounts (admin)
    GET    /api/reconciliation/runs/latest Last batch result

IDEMPOTENCY:
  Earn and redeem take the entry id from the body, then the
  Idempotency-Key header, and generate one otherwise. The response always
  carries the id so the client can retry with it. A retry answers 200 with
  replayed=true and the account as the first application left it.

ERROR HANDLING:
  Errors are returned as ErrorResponse with a stable code:
  - 400 invalid_entry          Validation errors, fractional amounts
  - 404 not_found              Unknown entry
  - 409 insufficient_balance   Redeem above balance
  - 409 already_voided         Void of a voided entry
  - 410 account_closed         Writes to a closed account
  - 422 idempotency_conflict   Entry id reused with different parameters
  - 429 cap_exceeded           Daily earn / monthly redeem cap
  - 503 storage_unavailable    Backend down; safe to retry with the same id

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zeroprint/healcoin/ledger"
	"github.com/zeroprint/healcoin/logging"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	Service   *ledger.Service
	Projector *ledger.BalanceProjector
	Scheduler *ReconciliationScheduler
	Logger    *slog.Logger

	// Pinger is optional; /healthz only reports liveness without it.
	Pinger Pinger
}

// NewHandler creates a handler. store is pinged by /healthz when it
// implements Pinger. The scheduler is created idle; Start it to reconcile
// in the background.
func NewHandler(svc *ledger.Service, projector *ledger.BalanceProjector, store ledger.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		Service:   svc,
		Projector: projector,
		Scheduler: NewReconciliationScheduler(projector, logger),
		Logger:    logger,
	}
	if p, ok := store.(Pinger); ok {
		h.Pinger = p
	}
	return h
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.Logger)
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness and, when possible, store reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pinger.Ping(ctx); err != nil {
			h.logger(r.Context()).Error("health check failed", slog.String("error", err.Error()))
			writeErrorCode(w, http.StatusServiceUnavailable, "Store unreachable", "storage_unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// GetAccount returns the wallet and the headroom left in each cap window.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AccountID(chi.URLParam(r, "id"))

	acc, err := h.Service.Account(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	caps, err := h.capsFor(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dto := toAccountDTO(acc)
	dto.Caps = caps
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) capsFor(ctx context.Context, id ledger.AccountID) (*CapsDTO, error) {
	cfg := h.Service.Caps()
	caps := &CapsDTO{}
	if cfg.DailyEarnLimit > 0 {
		remaining, err := h.Service.Remaining(ctx, id, ledger.KindEarn)
		if err != nil {
			return nil, err
		}
		caps.DailyEarnLimit = &cfg.DailyEarnLimit
		caps.DailyEarnRemaining = &remaining
	}
	if cfg.MonthlyRedeemLimit > 0 {
		remaining, err := h.Service.Remaining(ctx, id, ledger.KindRedeem)
		if err != nil {
			return nil, err
		}
		caps.MonthlyRedeemLimit = &cfg.MonthlyRedeemLimit
		caps.MonthlyRedeemRemaining = &remaining
	}
	return caps, nil
}

// ListEntries returns an account's log in application order.
// GET /api/accounts/{id}/entries?since=&until=
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	since, err := parseTimeParam(r, "since")
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	until, err := parseTimeParam(r, "until")
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	entries, err := h.Service.Entries(r.Context(), id, since, until)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// Earn credits coins to an account.
// POST /api/accounts/{id}/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	h.postEntry(w, r, ledger.KindEarn)
}

// Redeem debits coins from an account.
// POST /api/accounts/{id}/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	h.postEntry(w, r, ledger.KindRedeem)
}

func (h *Handler) postEntry(w http.ResponseWriter, r *http.Request, kind ledger.Kind) {
	ctx := r.Context()

	var body PostEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "Invalid request body", "invalid_entry", err)
		return
	}
	amount, err := wholeAmount(body.Amount)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	entryID := strings.TrimSpace(body.EntryID)
	if entryID == "" {
		entryID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if entryID == "" {
		entryID = uuid.NewString()
	}

	req := ledger.EarnRequest{
		AccountID: ledger.AccountID(chi.URLParam(r, "id")),
		Amount:    amount,
		Reason:    body.Reason,
		EntryID:   ledger.EntryID(entryID),
		Actor:     PrincipalFromContext(ctx).ID,
	}

	var acc *ledger.Account
	if kind == ledger.KindEarn {
		acc, err = h.Service.Earn(ctx, req)
	} else {
		acc, err = h.Service.Redeem(ctx, ledger.RedeemRequest(req))
	}

	resp := PostEntryResponse{EntryID: entryID}
	switch {
	case err == nil:
		resp.Account = toAccountDTO(acc)
		writeJSON(w, http.StatusCreated, resp)
	case errors.Is(err, ledger.ErrDuplicateEntry) && acc != nil:
		resp.Replayed = true
		resp.Account = toAccountDTO(acc)
		writeJSON(w, http.StatusOK, resp)
	default:
		h.writeLedgerError(w, r, err)
	}
}

// CloseAccount zeroes the balance with a closure entry and closes the
// account. Closing twice is a no-op.
// POST /api/accounts/{id}/close
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AccountID(chi.URLParam(r, "id"))

	acc, err := h.Service.Close(ctx, id, PrincipalFromContext(ctx).ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// =============================================================================
// ENTRY ENDPOINTS
// =============================================================================

// VoidEntry reverses a posted entry with an offsetting entry.
// POST /api/entries/{id}/void
func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body VoidEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "Invalid request body", "invalid_entry", err)
		return
	}

	acc, err := h.Service.Void(ctx, ledger.VoidRequest{
		EntryID: ledger.EntryID(chi.URLParam(r, "id")),
		Reason:  body.Reason,
		Actor:   PrincipalFromContext(ctx).ID,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// GetReconciliation compares one account's balance with its log. Drift is
// a finding, not a failure: it is reported with 200 and drift != 0.
// GET /api/reconciliation/{id}
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AccountID(chi.URLParam(r, "id"))

	report, err := h.Projector.Reconcile(ctx, id)
	if err != nil && !errors.Is(err, ledger.ErrDriftDetected) {
		h.writeLedgerError(w, r, err)
		return
	}
	if !report.OK() {
		h.logger(ctx).Warn("balance drift detected",
			slog.String("account_id", string(id)),
			slog.Int64("drift", report.Drift))
	}
	writeJSON(w, http.StatusOK, toDriftReportDTO(report))
}

// RunReconciliation reconciles every account now. An empty body checks
// all accounts; "after" resumes from a previous run's cursor.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var body RunReconciliationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorCode(w, http.StatusBadRequest, "Invalid request body", "invalid_request", err)
			return
		}
	}
	opts := ledger.ReconcileOptions{
		After:    ledger.AccountID(body.After),
		PageSize: body.PageSize,
	}

	run := h.Scheduler.RunNow(r.Context(), opts)
	if run.Err != nil && !errors.Is(run.Err, context.Canceled) {
		status, code := statusFor(run.Err)
		writeJSON(w, status, ErrorResponse{
			Error:   "Reconciliation stopped early",
			Code:    code,
			Details: toReconciliationRunDTO(run),
		})
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationRunDTO(run))
}

// LatestReconciliation returns the last batch result.
// GET /api/reconciliation/runs/latest
func (h *Handler) LatestReconciliation(w http.ResponseWriter, r *http.Request) {
	run, ok := h.Scheduler.LastRun()
	if !ok {
		writeErrorCode(w, http.StatusNotFound, "No reconciliation has run yet", "not_found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationRunDTO(run))
}

// =============================================================================
// HELPERS
// =============================================================================

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, &ledger.ValidationError{Field: name, Message: "must be an RFC3339 timestamp"}
	}
	return &t, nil
}

// statusFor maps a ledger error to an HTTP status and an error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest, "invalid_entry"
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusUnprocessableEntity, "idempotency_conflict"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, ledger.ErrAlreadyVoided):
		return http.StatusConflict, "already_voided"
	case errors.Is(err, ledger.ErrCapExceeded):
		return http.StatusTooManyRequests, "cap_exceeded"
	case errors.Is(err, ledger.ErrAccountClosed):
		return http.StatusGone, "account_closed"
	case errors.Is(err, ledger.ErrEntryNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_entry"
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeLedgerError writes err with its mapped status. Cap and balance
// errors carry their numbers in Details.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var (
		capErr     *ledger.CapExceededError
		balanceErr *ledger.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &capErr):
		resp.Details = map[string]any{
			"kind":       capErr.Kind,
			"limit":      capErr.Limit,
			"used":       capErr.Used,
			"requested":  capErr.Requested,
			"window_end": formatTime(capErr.WindowEnd),
		}
		w.Header().Set("Retry-After", retryAfter(capErr.WindowEnd))
	case errors.As(err, &balanceErr):
		resp.Details = map[string]any{
			"available": balanceErr.Available,
			"requested": balanceErr.Requested,
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger(r.Context()).Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, message, "", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// retryAfter returns whole seconds until t, at least 1.
func retryAfter(t time.Time) string {
	secs := int64(time.Until(t).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
