package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/scheduled-ledger/internal/clock"
)

// Options configures a Service.
type Options struct {
	Clock        clock.Clock
	TickInterval time.Duration
	SeedAccounts []Account
	Repository   Repository
	Auditor      Auditor
	Logger       *slog.Logger
}

// Service is the scheduled-transfer engine and its query facade. Each instance owns
// its own ledger, store and scheduler.
type Service struct {
	mu        sync.RWMutex
	accounts  *Accounts
	store     *Store
	validator *Validator
	executor  *Executor
	scheduler *Scheduler

	clock  clock.Clock
	repo   Repository
	seed   []Account
	logger *slog.Logger

	lifeMu sync.Mutex
	// started is set by the first Init and never cleared; ready tracks the running loop.
	started bool
	ready   bool
}

// NewService builds an uninitialised service. Call Init before any other method.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	accounts := NewAccounts()
	store := NewStore()
	validator := NewValidator(accounts, store)

	s := &Service{
		accounts:  accounts,
		store:     store,
		validator: validator,
		clock:     opts.Clock,
		repo:      opts.Repository,
		seed:      opts.SeedAccounts,
		logger:    opts.Logger,
	}
	s.executor = NewExecutor(accounts, store, validator, opts.Repository, opts.Auditor, opts.Clock, opts.Logger)
	s.scheduler = NewScheduler(s, opts.Clock, opts.TickInterval, opts.Logger)
	return s
}

// Init loads or seeds the accounts, restores persisted transactions and starts the
// tick loop. It may be called once; later calls, including after Shutdown, return
// ErrAlreadyInitialized.
func (s *Service) Init(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return ErrAlreadyInitialized
	}

	if err := s.load(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	pending := s.store.PendingCount()
	s.mu.RUnlock()

	s.started = true
	s.ready = true
	if pending > 0 {
		s.logger.Info("restored_pending_transactions", "count", pending)
		s.scheduler.Tick(ctx)
	}
	s.scheduler.Start(context.WithoutCancel(ctx))
	return nil
}

func (s *Service) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo == nil {
		s.accounts.Seed(s.seedAccounts()...)
		return nil
	}

	accounts, err := s.repo.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	if len(accounts) == 0 {
		accounts = s.seedAccounts()
		if err := s.repo.SaveAccounts(ctx, accounts); err != nil {
			return fmt.Errorf("failed to seed accounts: %w", err)
		}
	}
	s.accounts.Seed(accounts...)

	txs, err := s.repo.LoadTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	s.store.Restore(txs)
	return nil
}

func (s *Service) seedAccounts() []Account {
	now := s.clock.Now()
	out := make([]Account, 0, len(s.seed))
	for _, a := range s.seed {
		cp := a.clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		out = append(out, cp)
	}
	return out
}

// Shutdown stops the tick loop, waiting for an in-flight tick. The service cannot be
// initialised again.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.ready {
		return nil
	}
	s.ready = false
	return s.scheduler.Stop(ctx)
}

func (s *Service) initialized() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.ready
}

// Submit validates and records a transfer. When it is scheduled in the current bucket
// the bucket is executed before Submit returns.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !s.initialized() {
		return "", ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sub, err := s.validator.ValidateSubmission(req, now)
	if err != nil {
		return "", err
	}

	tx, err := s.store.NewRecord(sub.ScheduledAt, sub.Type, sub.CreditAccountID, sub.DebitAccountID, sub.Amount, now)
	if err != nil {
		return "", err
	}

	if s.repo != nil {
		if err := s.repo.InsertTransaction(ctx, *tx); err != nil {
			return "", fmt.Errorf("failed to store transaction: %w", err)
		}
	}
	s.store.Insert(tx)

	s.logger.Info("transaction_submitted",
		"tx_id", tx.ID,
		"bucket", tx.BucketKey.String(),
		"type", string(tx.Type),
		"amount", tx.Amount.String(),
	)

	current, err := clock.KeyOf(now)
	if err != nil {
		return "", err
	}
	if tx.BucketKey == current {
		s.executeBucketLocked(ctx, current)
	}
	return tx.ID, nil
}

func (s *Service) executeBucketLocked(ctx context.Context, key clock.Key) {
	for _, id := range s.store.PendingIDs(key) {
		if err := s.executor.Execute(ctx, id); err != nil && !errors.Is(err, ErrNotPending) {
			s.logger.Error("execute_failed", "bucket", key.String(), "tx_id", id, "error", err)
		}
	}
}

func (s *Service) pendingIDs(key clock.Key) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.PendingIDs(key)
}

func (s *Service) execute(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executor.Execute(ctx, id)
}

// Tick runs one scheduler pass immediately.
func (s *Service) Tick(ctx context.Context) TickReport {
	return s.scheduler.Tick(ctx)
}

// GetTransaction returns the transaction and whether it exists.
func (s *Service) GetTransaction(id string) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Get(id)
}

// GetAccount returns the account and whether it exists.
func (s *Service) GetAccount(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.accounts.Get(id)
	if err != nil {
		return Account{}, false
	}
	return a, true
}

// ListAccounts returns every account ordered by id.
func (s *Service) ListAccounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts.Snapshot()
}

// GetHistory returns the completed transactions keyed by bucket and id.
func (s *Service) GetHistory() map[clock.Key]map[string]Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.History()
}

// TotalBalance sums every account balance.
func (s *Service) TotalBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts.Total()
}
