package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/scheduled-ledger/internal/clock"
)

// TransactionType is the kind of scheduled transfer. Both types move funds from the
// credit account to the debit account.
type TransactionType string

const (
	TypeFund   TransactionType = "FUND"
	TypeRefund TransactionType = "REFUND"
)

// IsValid reports whether t is one of the allowed transaction types.
func (t TransactionType) IsValid() bool {
	return t == TypeFund || t == TypeRefund
}

// TransactionStatus is the lifecycle state of a scheduled transaction.
//
//	PENDING -> COMPLETED | REJECTED
//
// Both target states are terminal.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusRejected  TransactionStatus = "REJECTED"
)

// AllowedTransitions lists the statuses each status may move to.
func AllowedTransitions() map[TransactionStatus][]TransactionStatus {
	return map[TransactionStatus][]TransactionStatus{
		StatusPending:   {StatusCompleted, StatusRejected},
		StatusCompleted: {},
		StatusRejected:  {},
	}
}

// IsValidTransition checks if a status transition is allowed.
func IsValidTransition(from, to TransactionStatus) bool {
	for _, allowed := range AllowedTransitions()[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction is a scheduled transfer between two accounts.
type Transaction struct {
	ID              string            `json:"id"`
	ScheduledAt     time.Time         `json:"scheduled_time"`
	Type            TransactionType   `json:"type"`
	CreditAccountID string            `json:"credit_account_id"`
	DebitAccountID  string            `json:"debit_account_id"`
	Amount          decimal.Decimal   `json:"amount"`
	Status          TransactionStatus `json:"status"`
	StatusReason    string            `json:"status_reason,omitempty"`
	BucketKey       clock.Key         `json:"bucket_key"`
	CreatedAt       time.Time         `json:"created_at"`
	ExecutedAt      *time.Time        `json:"executed_at,omitempty"`
}

func (t *Transaction) clone() Transaction {
	cp := *t
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		cp.ExecutedAt = &at
	}
	return cp
}

// SubmitRequest carries a submission as received from the boundary layer. Time and
// amount stay raw so their well-formedness is checked here rather than by the caller.
type SubmitRequest struct {
	ScheduledTime   string `json:"scheduled_time"`
	Type            string `json:"type"`
	CreditAccountID string `json:"credit_account_id"`
	DebitAccountID  string `json:"debit_account_id"`
	Amount          string `json:"amount"`
}
