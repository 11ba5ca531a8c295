package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/scheduled-ledger/internal/clock"
)

// Amounts are bounded so balance arithmetic stays small: at most maxAmountScale digits
// after the point, an exponent no larger than maxAmountScale, and maxAmountDigits
// significant digits in total.
const (
	maxAmountScale  = 18
	maxAmountDigits = 38
)

// Validator checks submissions for structural validity and pending transactions for
// financial executability.
type Validator struct {
	accounts *Accounts
	store    *Store
}

// NewValidator creates a validator reading from the given ledger and store.
func NewValidator(accounts *Accounts, store *Store) *Validator {
	return &Validator{
		accounts: accounts,
		store:    store,
	}
}

// ValidationResult represents the result of an execution-time validation check
type ValidationResult struct {
	IsValid        bool      `json:"is_valid"`
	ValidationType string    `json:"validation_type"`
	Message        string    `json:"message"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Submission is a structurally valid, parsed SubmitRequest.
type Submission struct {
	ScheduledAt     time.Time
	Type            TransactionType
	CreditAccountID string
	DebitAccountID  string
	Amount          decimal.Decimal
}

// ValidateSubmission runs the submission-time checks in order and returns the first
// failure. now is the submission instant.
func (v *Validator) ValidateSubmission(req SubmitRequest, now time.Time) (*Submission, error) {
	required := []struct {
		field string
		value string
	}{
		{"scheduled_time", req.ScheduledTime},
		{"type", req.Type},
		{"credit_account_id", req.CreditAccountID},
		{"debit_account_id", req.DebitAccountID},
		{"amount", req.Amount},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return nil, &ValidationError{Field: r.field, Err: ErrInvalidInput}
		}
	}

	scheduledAt, err := clock.Parse(req.ScheduledTime)
	if err != nil {
		return nil, &ValidationError{Field: "scheduled_time", Err: err}
	}

	typ := TransactionType(req.Type)
	if !typ.IsValid() {
		return nil, &ValidationError{Field: "type", Err: fmt.Errorf("%w: %q", ErrInvalidType, req.Type)}
	}

	for _, acct := range []struct{ field, id string }{
		{"credit_account_id", req.CreditAccountID},
		{"debit_account_id", req.DebitAccountID},
	} {
		if !v.accounts.Exists(acct.id) {
			return nil, &ValidationError{Field: acct.field, Err: fmt.Errorf("%w: %s", ErrUnknownAccount, acct.id)}
		}
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, &ValidationError{Field: "amount", Err: fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)}
	}
	if !amountInBounds(amount) {
		return nil, &ValidationError{Field: "amount", Err: fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, req.Amount)}
	}

	if scheduledAt.Before(now) {
		return nil, &ValidationError{Field: "scheduled_time", Err: ErrPastScheduling}
	}

	return &Submission{
		ScheduledAt:     scheduledAt,
		Type:            typ,
		CreditAccountID: req.CreditAccountID,
		DebitAccountID:  req.DebitAccountID,
		Amount:          amount,
	}, nil
}

// ValidateExecution re-checks a pending transaction against current balances.
func (v *Validator) ValidateExecution(txID string) *ValidationResult {
	tx, ok := v.store.Get(txID)
	if !ok {
		return invalid(txID, "transaction_exists", fmt.Sprintf("transaction %s not found", txID))
	}

	if tx.Amount.IsZero() {
		return invalid(txID, "transaction_amount", "transaction amount must be non-zero")
	}
	if tx.Amount.IsNegative() {
		return invalid(txID, "transaction_amount", "transaction amount must not be negative")
	}

	credit, err := v.accounts.Get(tx.CreditAccountID)
	if err != nil {
		return invalid(txID, "credit_account", fmt.Sprintf("credit account %s not found", tx.CreditAccountID))
	}
	if !v.accounts.Exists(tx.DebitAccountID) {
		return invalid(txID, "debit_account", fmt.Sprintf("debit account %s not found", tx.DebitAccountID))
	}

	if credit.Balance.IsNegative() {
		return invalid(txID, "credit_balance", fmt.Sprintf("credit account %s has a negative balance", credit.ID))
	}

	if credit.Balance.Sub(tx.Amount).IsNegative() {
		return invalid(txID, "insufficient_funds", fmt.Sprintf("%v: account %s has %s, needs %s",
			ErrInsufficientFunds, credit.ID, credit.Balance.String(), tx.Amount.String()))
	}

	return &ValidationResult{
		IsValid:        true,
		ValidationType: "execution",
		Message:        fmt.Sprintf("transaction %s is executable", txID),
		TransactionID:  txID,
		Timestamp:      time.Now().UTC(),
	}
}

func amountInBounds(d decimal.Decimal) bool {
	exp := d.Exponent()
	if exp < -maxAmountScale || exp > maxAmountScale {
		return false
	}
	digits := len(new(big.Int).Abs(d.Coefficient()).String())
	if exp > 0 {
		digits += int(exp)
	}
	return digits <= maxAmountDigits
}

func invalid(txID, validationType, message string) *ValidationResult {
	return &ValidationResult{
		IsValid:        false,
		ValidationType: validationType,
		Message:        message,
		TransactionID:  txID,
		Timestamp:      time.Now().UTC(),
	}
}
