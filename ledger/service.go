/*
service.go - Earn/redeem orchestration

PURPOSE:
  Service is the single entry point callers use. It validates a request,
  takes the account's serialization point, checks caps and balance, then
  appends the entry and applies it to the wallet as one atomic unit.

REQUEST FLOW (earn):
  1. Validate EarnRequest             -> ErrInvalidEntry
  2. Fix the entry id (caller's or a fresh UUID)
  3. Store.WithAccount(account):
     a. entry id already posted?      -> current account + ErrDuplicateEntry
     b. account closed?               -> ErrAccountClosed
     c. CapPolicy.CheckEarn           -> ErrCapExceeded
     d. TransactionLog.Append + WalletStore.ApplyDelta
  4. Return the updated account

  Redeem adds a balance check before the cap check, so callers can tell
  "not enough coins" (ErrInsufficientBalance) from "too much this month"
  (ErrCapExceeded).

RETRIES:
  The entry id is chosen before the first attempt. If a storage call times
  out after the commit landed, the retry finds the entry, applies nothing,
  and reports ErrDuplicateEntry with the account as it now stands. At most
  one economic effect per entry id.

SEE ALSO:
  - store.go: WithAccount contract
  - policy.go: cap windows and the inclusive boundary
  - projection.go: reconciliation of what this file writes
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zeroprint/healcoin/logging"
)

const (
	ReasonAccountClosure = "account_closure"

	voidSuffix    = ":void"
	closureSuffix = ":closure"
)

// Service orchestrates validate, append and apply.
type Service struct {
	store    Store
	caps     CapConfig
	clock    Clock
	retry    RetryPolicy
	logger   *slog.Logger
	validate *validator.Validate
	newID    func() EntryID
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithRetry enables bounded retries of ErrStorageUnavailable.
func WithRetry(p RetryPolicy) Option { return func(s *Service) { s.retry = p } }

// WithLogger sets the logger used when the context carries none.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithIDGenerator(fn func() EntryID) Option { return func(s *Service) { s.newID = fn } }

func NewService(store Store, caps CapConfig, opts ...Option) *Service {
	s := &Service{
		store:    store,
		caps:     caps,
		clock:    SystemClock,
		retry:    NoRetry,
		validate: newValidator(),
		newID:    func() EntryID { return EntryID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Caps returns the configured limits.
func (s *Service) Caps() CapConfig { return s.caps }

// =============================================================================
// EARN / REDEEM
// =============================================================================

// Earn credits req.Amount to the account. When err wraps ErrDuplicateEntry
// the returned account is valid and reflects the earlier application.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (*Account, error) {
	return s.post(ctx, KindEarn, req)
}

// Redeem debits req.Amount from the account. Same duplicate contract as Earn.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Account, error) {
	return s.post(ctx, KindRedeem, EarnRequest(req))
}

func (s *Service) post(ctx context.Context, kind Kind, req EarnRequest) (*Account, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}
	if req.EntryID == "" {
		req.EntryID = s.newID()
	}
	if req.Actor == "" {
		req.Actor = ActorSystem
	}

	var acc *Account
	err := s.retry.Do(ctx, func() error {
		return s.store.WithAccount(ctx, req.AccountID, func(tx Tx) error {
			var err error
			acc, err = s.postLocked(ctx, tx, kind, req)
			return err
		})
	})

	logger := logging.FromContext(ctx, s.logger).With(
		slog.String("account_id", string(req.AccountID)),
		slog.String("entry_id", string(req.EntryID)),
		slog.String("kind", string(kind)),
		slog.Int64("amount", req.Amount),
	)
	switch {
	case err == nil:
		logger.InfoContext(ctx, "entry posted", slog.Int64("balance", acc.Balance))
		return acc, nil
	case errors.Is(err, ErrDuplicateEntry):
		logger.InfoContext(ctx, "entry replayed")
		return acc, err
	case IsClientError(err):
		logger.InfoContext(ctx, "entry rejected", slog.String("error", err.Error()))
		return nil, err
	default:
		logger.ErrorContext(ctx, "entry failed", slog.String("error", err.Error()))
		return nil, err
	}
}

func (s *Service) postLocked(ctx context.Context, tx Tx, kind Kind, req EarnRequest) (*Account, error) {
	log := NewTransactionLog(tx)
	wallet := NewWalletStore(tx, s.clock)

	if acc, err := s.replay(ctx, log, wallet, kind, req); acc != nil || err != nil {
		return acc, err
	}

	acc, err := wallet.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrAccountClosed, req.AccountID)
	}

	now := s.clock()
	// Balance and overflow checks run before caps so the log stays untouched.
	if _, err := acc.apply(kind, req.Amount, now); err != nil {
		return nil, err
	}
	if err := NewCapPolicy(s.caps, log).Check(ctx, req.AccountID, kind, req.Amount, now); err != nil {
		return nil, err
	}

	entry := Entry{
		ID:        req.EntryID,
		AccountID: req.AccountID,
		Kind:      kind,
		Amount:    req.Amount,
		Reason:    req.Reason,
		CreatedAt: now,
		CreatedBy: req.Actor,
		Status:    StatusPosted,
	}
	if err := log.Append(ctx, entry); err != nil {
		// Replays on this account were caught above; a clash here is an id
		// committed for another account in the meantime.
		if errors.Is(err, ErrDuplicateEntry) {
			return nil, fmt.Errorf("%w: %s", ErrIdempotencyConflict, entry.ID)
		}
		return nil, err
	}
	return wallet.ApplyDelta(ctx, req.AccountID, kind, req.Amount)
}

// replay returns the current account and ErrDuplicateEntry if the entry id
// was already posted with the same parameters. It returns nil, nil when the
// id is new.
func (s *Service) replay(ctx context.Context, log *TransactionLog, wallet *WalletStore, kind Kind, req EarnRequest) (*Account, error) {
	existing, err := log.Get(ctx, req.EntryID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.AccountID != req.AccountID || existing.Kind != kind || existing.Amount != req.Amount {
		return nil, fmt.Errorf("%w: %s was %s %d on %s", ErrIdempotencyConflict,
			existing.ID, existing.Kind, existing.Amount, existing.AccountID)
	}
	acc, err := wallet.Get(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	return acc, fmt.Errorf("%w: %s", ErrDuplicateEntry, req.EntryID)
}

// =============================================================================
// CORRECTIONS
// =============================================================================

// Void reverses a posted entry: it posts an offsetting entry of the opposite
// kind and marks the original voided, atomically. Caps do not apply. Voiding
// an earn whose coins were already spent fails with ErrInsufficientBalance.
func (s *Service) Void(ctx context.Context, req VoidRequest) (*Account, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, validationError(err)
	}
	orig, err := s.store.FindEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}

	var acc *Account
	err = s.retry.Do(ctx, func() error {
		return s.store.WithAccount(ctx, orig.AccountID, func(tx Tx) error {
			var err error
			acc, err = s.voidLocked(ctx, tx, req)
			return err
		})
	})
	logger := logging.FromContext(ctx, s.logger)
	if err != nil {
		logger.WarnContext(ctx, "void failed",
			slog.String("entry_id", string(req.EntryID)),
			slog.String("error", err.Error()))
		return nil, err
	}
	logger.InfoContext(ctx, "entry voided",
		slog.String("entry_id", string(req.EntryID)),
		slog.String("account_id", string(acc.ID)),
		slog.String("actor", req.Actor))
	return acc, nil
}

func (s *Service) voidLocked(ctx context.Context, tx Tx, req VoidRequest) (*Account, error) {
	log := NewTransactionLog(tx)
	wallet := NewWalletStore(tx, s.clock)

	orig, err := log.Get(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	if orig.Reverses != "" {
		return nil, invalidf("entry_id", "%s is a correction and cannot be voided", orig.ID)
	}
	if orig.Status == StatusVoided {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyVoided, orig.ID)
	}

	acc, err := wallet.Get(ctx, orig.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.Closed() {
		return nil, fmt.Errorf("%w: %s", ErrAccountClosed, acc.ID)
	}

	offset := Entry{
		ID:        orig.ID + voidSuffix,
		AccountID: orig.AccountID,
		Kind:      orig.Kind.Opposite(),
		Amount:    orig.Amount,
		Reason:    req.Reason,
		CreatedAt: s.clock(),
		CreatedBy: req.Actor,
		Status:    StatusPosted,
		Reverses:  orig.ID,
	}
	if offset.Kind == KindRedeem && offset.Amount > acc.Balance {
		return nil, &InsufficientBalanceError{AccountID: acc.ID, Available: acc.Balance, Requested: offset.Amount}
	}
	if err := log.Append(ctx, offset); err != nil {
		return nil, err
	}
	if err := tx.MarkVoided(ctx, orig.ID); err != nil {
		return nil, err
	}
	return wallet.ApplyDelta(ctx, orig.AccountID, offset.Kind, offset.Amount)
}

// =============================================================================
// ACCOUNT CLOSURE
// =============================================================================

// Close zeroes the balance with an explicit redeem entry and marks the
// account closed. Caps do not apply. Closing a closed account is a no-op.
func (s *Service) Close(ctx context.Context, id AccountID, actor string) (*Account, error) {
	if id == "" {
		return nil, invalidf("account_id", "is required")
	}
	if actor == "" {
		actor = ActorSystem
	}
	var acc *Account
	err := s.retry.Do(ctx, func() error {
		return s.store.WithAccount(ctx, id, func(tx Tx) error {
			log := NewTransactionLog(tx)
			wallet := NewWalletStore(tx, s.clock)

			cur, err := wallet.Get(ctx, id)
			if err != nil {
				return err
			}
			if cur.Closed() {
				acc = cur
				return nil
			}
			if cur.Balance > 0 {
				entry := Entry{
					ID:        EntryID(string(id) + closureSuffix),
					AccountID: id,
					Kind:      KindRedeem,
					Amount:    cur.Balance,
					Reason:    ReasonAccountClosure,
					CreatedAt: s.clock(),
					CreatedBy: actor,
					Status:    StatusPosted,
				}
				if err := log.Append(ctx, entry); err != nil {
					return err
				}
				if _, err := wallet.ApplyDelta(ctx, id, KindRedeem, entry.Amount); err != nil {
					return err
				}
			}
			acc, err = wallet.Close(ctx, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx, s.logger).InfoContext(ctx, "account closed",
		slog.String("account_id", string(id)), slog.String("actor", actor))
	return acc, nil
}

// =============================================================================
// READS
// =============================================================================

// Account returns the wallet, creating an empty one on first sight.
func (s *Service) Account(ctx context.Context, id AccountID) (*Account, error) {
	return NewWalletStore(s.store, s.clock).Get(ctx, id)
}

// Entries lists an account's log in application order.
func (s *Service) Entries(ctx context.Context, id AccountID, since, until *time.Time) ([]Entry, error) {
	return NewTransactionLog(s.store).ListByAccount(ctx, id, since, until)
}

// Remaining reports how much of kind the account may still post in the
// current cap window, or -1 when that cap is disabled.
func (s *Service) Remaining(ctx context.Context, id AccountID, kind Kind) (int64, error) {
	return NewCapPolicy(s.caps, NewTransactionLog(s.store)).Remaining(ctx, id, kind, s.clock())
}
