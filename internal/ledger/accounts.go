package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a balance and the ids of the transactions applied to it, in order.
type Account struct {
	ID                    string          `json:"id"`
	Balance               decimal.Decimal `json:"balance"`
	AppliedTransactionIDs []string        `json:"applied_transaction_ids"`
	CreatedAt             time.Time       `json:"created_at"`
}

func (a *Account) clone() Account {
	cp := *a
	cp.AppliedTransactionIDs = append([]string(nil), a.AppliedTransactionIDs...)
	return cp
}

// Accounts is the account ledger. It is not safe for concurrent use; the Service
// serialises access to it.
type Accounts struct {
	accts map[string]*Account
}

// NewAccounts creates an empty ledger.
func NewAccounts() *Accounts {
	return &Accounts{accts: make(map[string]*Account)}
}

// Seed adds accounts, replacing any with the same id.
func (l *Accounts) Seed(accounts ...Account) {
	for _, a := range accounts {
		cp := a.clone()
		l.accts[a.ID] = &cp
	}
}

// Exists reports whether the account is known.
func (l *Accounts) Exists(id string) bool {
	_, ok := l.accts[id]
	return ok
}

// Get returns a copy of the account or ErrNotFound.
func (l *Accounts) Get(id string) (Account, error) {
	a, ok := l.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a.clone(), nil
}

// ApplyTransfer moves amount from the credit account to the debit account and records
// txID on both. The caller must have validated the transfer.
func (l *Accounts) ApplyTransfer(creditID, debitID string, amount decimal.Decimal, txID string) {
	credit := l.accts[creditID]
	debit := l.accts[debitID]

	credit.Balance = credit.Balance.Sub(amount)
	debit.Balance = debit.Balance.Add(amount)

	credit.AppliedTransactionIDs = appendUnique(credit.AppliedTransactionIDs, txID)
	if debit != credit {
		debit.AppliedTransactionIDs = appendUnique(debit.AppliedTransactionIDs, txID)
	}
}

// Preview returns copies of both accounts as they would look after ApplyTransfer.
func (l *Accounts) Preview(creditID, debitID string, amount decimal.Decimal, txID string) []Account {
	scratch := NewAccounts()
	for _, id := range []string{creditID, debitID} {
		if a, ok := l.accts[id]; ok {
			scratch.Seed(*a)
		}
	}
	scratch.ApplyTransfer(creditID, debitID, amount, txID)
	return scratch.Snapshot()
}

// Snapshot returns copies of all accounts ordered by id.
func (l *Accounts) Snapshot() []Account {
	out := make([]Account, 0, len(l.accts))
	for _, a := range l.accts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Total sums every balance.
func (l *Accounts) Total() decimal.Decimal {
	total := decimal.Zero
	for _, a := range l.accts {
		total = total.Add(a.Balance)
	}
	return total
}

// appendUnique drops earlier occurrences of id before appending it, so a replayed
// transaction is never listed twice.
func appendUnique(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return append(out, id)
}
