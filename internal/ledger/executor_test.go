package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/scheduled-ledger/internal/clock"
	"github.com/example/scheduled-ledger/pkg/audit"
)

type fakeRepo struct {
	mu           sync.Mutex
	accounts     []Account
	txs          []Transaction
	saved        [][]Account
	inserted     []Transaction
	executions   []Transaction
	executionErr error
	insertErr    error
}

func (r *fakeRepo) LoadAccounts(ctx context.Context) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts, nil
}

func (r *fakeRepo) LoadTransactions(ctx context.Context) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txs, nil
}

func (r *fakeRepo) SaveAccounts(ctx context.Context, accounts []Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, accounts)
	return nil
}

func (r *fakeRepo) InsertTransaction(ctx context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, tx)
	return nil
}

func (r *fakeRepo) RecordExecution(ctx context.Context, tx Transaction, accounts []Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executionErr != nil {
		return r.executionErr
	}
	r.executions = append(r.executions, tx)
	return nil
}

func (r *fakeRepo) setExecutionErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executionErr = err
}

type executorFixture struct {
	accounts *Accounts
	store    *Store
	repo     *fakeRepo
	chain    *audit.ChainLogger
	exec     *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	accounts := seededAccounts(t)
	store := newTestStore()
	repo := &fakeRepo{}
	chain := audit.NewChainLogger()
	exec := NewExecutor(accounts, store, NewValidator(accounts, store), repo, chain, clock.NewFake(t0), nil)
	return &executorFixture{accounts: accounts, store: store, repo: repo, chain: chain, exec: exec}
}

func TestExecutor_Completes(t *testing.T) {
	f := newExecutorFixture(t)
	tx := insertPending(t, f.store, t0, "10")

	require.NoError(t, f.exec.Execute(context.Background(), tx.ID))

	got, _ := f.store.Get(tx.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, t0, *got.ExecutedAt)

	a, _ := f.accounts.Get("A")
	assert.True(t, a.Balance.Equal(dec("90")))
	assert.Contains(t, a.AppliedTransactionIDs, tx.ID)

	require.Len(t, f.repo.executions, 1)
	assert.Equal(t, StatusCompleted, f.repo.executions[0].Status)

	require.Equal(t, 1, f.chain.Len())
	assert.Contains(t, f.chain.Entries()[0].Payload, "status=COMPLETED")
}

func TestExecutor_RejectsInsufficientFunds(t *testing.T) {
	f := newExecutorFixture(t)
	tx := insertPending(t, f.store, t0, "150")

	require.NoError(t, f.exec.Execute(context.Background(), tx.ID))

	got, _ := f.store.Get(tx.ID)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Contains(t, got.StatusReason, "insufficient funds")

	a, _ := f.accounts.Get("A")
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.Empty(t, a.AppliedTransactionIDs)
	assert.True(t, f.accounts.Total().Equal(dec("100")))

	require.Equal(t, 1, f.chain.Len())
	assert.Contains(t, f.chain.Entries()[0].Payload, "check=insufficient_funds")
}

func TestExecutor_NoDoubleExecution(t *testing.T) {
	f := newExecutorFixture(t)
	tx := insertPending(t, f.store, t0, "10")

	require.NoError(t, f.exec.Execute(context.Background(), tx.ID))
	err := f.exec.Execute(context.Background(), tx.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	a, _ := f.accounts.Get("A")
	assert.True(t, a.Balance.Equal(dec("90")))
	assert.Len(t, f.repo.executions, 1)
}

func TestExecutor_LookupErrors(t *testing.T) {
	f := newExecutorFixture(t)

	assert.ErrorIs(t, f.exec.Execute(context.Background(), ""), ErrMissingID)
	assert.ErrorIs(t, f.exec.Execute(context.Background(), "nope"), ErrNotFound)
	assert.Zero(t, f.chain.Len())
}

func TestExecutor_PersistenceFailureLeavesPending(t *testing.T) {
	f := newExecutorFixture(t)
	tx := insertPending(t, f.store, t0, "10")
	f.repo.setExecutionErr(errors.New("disk full"))

	err := f.exec.Execute(context.Background(), tx.ID)
	require.Error(t, err)

	got, _ := f.store.Get(tx.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []string{tx.ID}, f.store.PendingIDs(tx.BucketKey))
	a, _ := f.accounts.Get("A")
	assert.True(t, a.Balance.Equal(dec("100")))
	assert.Zero(t, f.chain.Len())

	f.repo.setExecutionErr(nil)
	require.NoError(t, f.exec.Execute(context.Background(), tx.ID))
	got, _ = f.store.Get(tx.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}
