package ledger

import (
	"errors"
	"fmt"

	"github.com/example/scheduled-ledger/internal/clock"
)

// Submission errors. A submission failing with any of these creates no record.
var (
	ErrInvalidInput   = errors.New("missing required field")
	ErrInvalidTime    = clock.ErrInvalidTime
	ErrInvalidType    = errors.New("invalid transaction type")
	ErrUnknownAccount = errors.New("unknown account")
	ErrInvalidAmount  = errors.New("amount is not numeric")
	ErrPastScheduling = errors.New("scheduled time is in the past")
)

// Execution and lookup errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMissingID         = errors.New("transaction id is required")
	ErrNotPending        = errors.New("transaction is not pending")
)

// Lifecycle errors.
var (
	ErrNotInitialized     = errors.New("ledger service not initialized")
	ErrAlreadyInitialized = errors.New("ledger service already initialized")
)

// ValidationError reports which submitted field failed and why.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ErrorCode maps an error to the snake_case code the HTTP layer renders.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrInvalidType):
		return "invalid_type"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrPastScheduling):
		return "past_scheduling"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotInitialized):
		return "ledger_unavailable"
	default:
		return "internal_error"
	}
}

// IsSchedulingError reports whether err is a malformed or past scheduled time.
func IsSchedulingError(err error) bool {
	return errors.Is(err, ErrInvalidTime) || errors.Is(err, ErrPastScheduling)
}
