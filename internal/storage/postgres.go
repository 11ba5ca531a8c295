package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/scheduled-ledger/internal/clock"
	"github.com/example/scheduled-ledger/internal/ledger"
)

const (
	queryTimeout         = 5 * time.Second
	maxSerializeAttempts = 3
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance NUMERIC NOT NULL,
	applied_transaction_ids JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_transactions (
	id TEXT PRIMARY KEY,
	scheduled_at TIMESTAMPTZ NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('FUND', 'REFUND')),
	credit_account_id TEXT NOT NULL REFERENCES accounts(id),
	debit_account_id TEXT NOT NULL REFERENCES accounts(id),
	amount NUMERIC NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'REJECTED')),
	status_reason TEXT NOT NULL DEFAULT '',
	bucket_key TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	executed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_scheduled_transactions_status_bucket
	ON scheduled_transactions(status, bucket_key);
`

// pgxPool is the subset of *pgxpool.Pool the repository uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresRepository stores the ledger in PostgreSQL. Executions run SERIALIZABLE and
// are retried on serialization failures.
type PostgresRepository struct {
	pool    pgxPool
	closeFn func()
	backoff time.Duration
}

// OpenPostgres connects to databaseURL and migrates the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := newPostgresRepository(pool)
	repo.closeFn = pool.Close
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func newPostgresRepository(pool pgxPool) *PostgresRepository {
	return &PostgresRepository{pool: pool, backoff: 10 * time.Millisecond}
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := r.pool.Exec(queryCtx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() error {
	if r.closeFn != nil {
		r.closeFn()
	}
	return nil
}

// LoadAccounts returns every stored account.
func (r *PostgresRepository) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(queryCtx, `
		SELECT id, balance::text, applied_transaction_ids::text, created_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var (
			a                ledger.Account
			balance, applied string
		)
		if err := rows.Scan(&a.ID, &balance, &applied, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if a.Balance, err = parseAmount(balance, "balance"); err != nil {
			return nil, err
		}
		if a.AppliedTransactionIDs, err = decodeIDs(applied); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadTransactions returns every stored transaction in id order.
func (r *PostgresRepository) LoadTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.pool.Query(queryCtx, `
		SELECT id, scheduled_at, type, credit_account_id, debit_account_id, amount::text,
		       status, status_reason, bucket_key, created_at, executed_at
		FROM scheduled_transactions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx                          ledger.Transaction
			typ, status, bucket, amount string
		)
		if err := rows.Scan(&tx.ID, &tx.ScheduledAt, &typ, &tx.CreditAccountID, &tx.DebitAccountID,
			&amount, &status, &tx.StatusReason, &bucket, &tx.CreatedAt, &tx.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Amount, err = parseAmount(amount, "amount"); err != nil {
			return nil, err
		}
		tx.Type = ledger.TransactionType(typ)
		tx.Status = ledger.TransactionStatus(status)
		tx.BucketKey = clock.Key(bucket)
		tx.ScheduledAt = tx.ScheduledAt.UTC()
		tx.CreatedAt = tx.CreatedAt.UTC()
		if tx.ExecutedAt != nil {
			at := tx.ExecutedAt.UTC()
			tx.ExecutedAt = &at
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SaveAccounts upserts the given accounts.
func (r *PostgresRepository) SaveAccounts(ctx context.Context, accounts []ledger.Account) error {
	return r.withSerializableRetry(ctx, "save accounts", func(ctx context.Context, tx pgx.Tx) error {
		return upsertPostgresAccounts(ctx, tx, accounts)
	})
}

// InsertTransaction stores a newly submitted transaction.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.pool.Exec(queryCtx, `
		INSERT INTO scheduled_transactions (id, scheduled_at, type, credit_account_id, debit_account_id,
			amount, status, status_reason, bucket_key, created_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)`,
		tx.ID, tx.ScheduledAt, string(tx.Type), tx.CreditAccountID, tx.DebitAccountID,
		tx.Amount.String(), string(tx.Status), tx.StatusReason, tx.BucketKey.String(),
		tx.CreatedAt, tx.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// RecordExecution moves a PENDING row to its terminal status and stores the changed
// accounts in one SERIALIZABLE transaction.
func (r *PostgresRepository) RecordExecution(ctx context.Context, t ledger.Transaction, accounts []ledger.Account) error {
	return r.withSerializableRetry(ctx, "record execution", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE scheduled_transactions SET status = $1, status_reason = $2, executed_at = $3
			WHERE id = $4 AND status = 'PENDING'`,
			string(t.Status), t.StatusReason, t.ExecutedAt, t.ID)
		if err != nil {
			return fmt.Errorf("failed to update transaction %s: %w", t.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrConflict, t.ID)
		}
		return upsertPostgresAccounts(ctx, tx, accounts)
	})
}

func (r *PostgresRepository) withSerializableRetry(ctx context.Context, op string, fn func(context.Context, pgx.Tx) error) error {
	for attempt := 0; attempt < maxSerializeAttempts; attempt++ {
		err := r.runSerializable(ctx, fn)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			if attempt == maxSerializeAttempts-1 {
				return fmt.Errorf("failed to %s after %d retries due to serialization failure: %w", op, maxSerializeAttempts, err)
			}
			time.Sleep(time.Duration(attempt+1) * r.backoff)
			continue
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (r *PostgresRepository) runSerializable(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}
	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertPostgresAccounts(ctx context.Context, tx pgx.Tx, accounts []ledger.Account) error {
	for _, a := range accounts {
		applied, err := encodeIDs(a.AppliedTransactionIDs)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO accounts (id, balance, applied_transaction_ids, created_at)
			VALUES ($1, $2::numeric, $3::jsonb, $4)
			ON CONFLICT (id) DO UPDATE SET
				balance = EXCLUDED.balance,
				applied_transaction_ids = EXCLUDED.applied_transaction_ids`,
			a.ID, a.Balance.String(), applied, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
		}
	}
	return nil
}
