package ledger

import (
	"context"

	"github.com/example/scheduled-ledger/pkg/audit"
)

// Repository persists accounts and transactions. The pending index is never stored; it
// is rebuilt from the transactions whose status is PENDING.
type Repository interface {
	LoadAccounts(ctx context.Context) ([]Account, error)
	LoadTransactions(ctx context.Context) ([]Transaction, error)
	SaveAccounts(ctx context.Context, accounts []Account) error
	InsertTransaction(ctx context.Context, tx Transaction) error
	// RecordExecution stores the terminal transaction together with the accounts it
	// changed, atomically.
	RecordExecution(ctx context.Context, tx Transaction, accounts []Account) error
}

// Auditor receives one entry per status transition.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}
