package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/scheduled-ledger/internal/clock"
)

// Executor resolves a single pending transaction: validate, then apply and complete,
// or reject. Callers must hold the Service write lock.
type Executor struct {
	accounts  *Accounts
	store     *Store
	validator *Validator
	repo      Repository
	auditor   Auditor
	clock     clock.Clock
	logger    *slog.Logger
}

// NewExecutor wires an executor. repo and auditor may be nil.
func NewExecutor(accounts *Accounts, store *Store, validator *Validator, repo Repository, auditor Auditor, clk clock.Clock, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		accounts:  accounts,
		store:     store,
		validator: validator,
		repo:      repo,
		auditor:   auditor,
		clock:     clk,
		logger:    logger,
	}
}

// Execute runs one transaction to a terminal status. ErrMissingID, ErrNotFound and
// ErrNotPending leave state untouched. A persistence failure also leaves the
// transaction PENDING so a later tick can retry it.
func (e *Executor) Execute(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}

	tx, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if tx.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
	}

	now := e.clock.Now()
	result := e.validator.ValidateExecution(id)
	if !result.IsValid {
		return e.reject(ctx, tx, result, now)
	}
	return e.complete(ctx, tx, now)
}

func (e *Executor) complete(ctx context.Context, tx Transaction, now time.Time) error {
	if e.repo != nil {
		final := tx
		final.Status = StatusCompleted
		final.ExecutedAt = &now
		changed := e.accounts.Preview(tx.CreditAccountID, tx.DebitAccountID, tx.Amount, tx.ID)
		if err := e.repo.RecordExecution(ctx, final, changed); err != nil {
			return fmt.Errorf("failed to persist completion of %s: %w", tx.ID, err)
		}
	}

	e.accounts.ApplyTransfer(tx.CreditAccountID, tx.DebitAccountID, tx.Amount, tx.ID)
	if err := e.store.MarkCompleted(tx.ID, now); err != nil {
		return err
	}

	e.audit(tx, StatusCompleted, "")
	e.logger.Info("transaction_completed",
		"tx_id", tx.ID,
		"bucket", tx.BucketKey.String(),
		"credit_account", tx.CreditAccountID,
		"debit_account", tx.DebitAccountID,
		"amount", tx.Amount.String(),
	)
	return nil
}

func (e *Executor) reject(ctx context.Context, tx Transaction, result *ValidationResult, now time.Time) error {
	if e.repo != nil {
		final := tx
		final.Status = StatusRejected
		final.StatusReason = result.Message
		final.ExecutedAt = &now
		if err := e.repo.RecordExecution(ctx, final, nil); err != nil {
			return fmt.Errorf("failed to persist rejection of %s: %w", tx.ID, err)
		}
	}

	if err := e.store.MarkRejected(tx.ID, result.Message, now); err != nil {
		return err
	}

	e.audit(tx, StatusRejected, result.ValidationType)
	e.logger.Warn("transaction_rejected",
		"tx_id", tx.ID,
		"bucket", tx.BucketKey.String(),
		"validation", result.ValidationType,
		"reason", result.Message,
	)
	return nil
}

func (e *Executor) audit(tx Transaction, status TransactionStatus, check string) {
	if e.auditor == nil {
		return
	}
	payload := fmt.Sprintf("tx=%s status=%s bucket=%s credit=%s debit=%s amount=%s",
		tx.ID, status, tx.BucketKey, tx.CreditAccountID, tx.DebitAccountID, tx.Amount.String())
	if check != "" {
		payload += " check=" + check
	}
	e.auditor.Append(payload)
}
