package ledger

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// REQUESTS - Validated input per operation
// =============================================================================

// EarnRequest credits an account. EntryID is the idempotency key; leave it
// empty only when the caller will never retry. Ids ending in ":void" or
// ":closure" are reserved for entries the ledger posts itself.
type EarnRequest struct {
	AccountID AccountID `json:"account_id" validate:"required,max=128"`
	Amount    int64     `json:"amount" validate:"gt=0"`
	Reason    string    `json:"reason" validate:"required,max=256"`
	EntryID   EntryID   `json:"entry_id,omitempty" validate:"omitempty,max=128,entryid"`
	Actor     string    `json:"actor,omitempty" validate:"omitempty,max=128"`
}

// RedeemRequest debits an account. Same fields as EarnRequest.
type RedeemRequest EarnRequest

// VoidRequest reverses a posted entry. Actor should be an admin id.
type VoidRequest struct {
	EntryID EntryID `json:"entry_id" validate:"required,max=128"`
	Reason  string  `json:"reason" validate:"required,max=256"`
	Actor   string  `json:"actor" validate:"required,max=128"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("entryid", callerEntryID); err != nil {
		panic(err)
	}
	return v
}

// callerEntryID rejects ids in the namespace of void and closure entries.
func callerEntryID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	return !strings.HasSuffix(id, voidSuffix) && !strings.HasSuffix(id, closureSuffix)
}

// validationError converts the first validator failure into a *ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "entryid" {
			return invalidf(fe.Field(), "must not end in %q or %q", voidSuffix, closureSuffix)
		}
		return invalidf(fe.Field(), "failed %q constraint", tagDescription(fe))
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return invalidf("request", "%v", err)
	}
	return err
}

func tagDescription(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
