package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/scheduled-ledger/internal/clock"
	"github.com/example/scheduled-ledger/internal/ledger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	balance TEXT NOT NULL,
	applied_transaction_ids TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	scheduled_at TEXT NOT NULL,
	type TEXT NOT NULL CHECK (type IN ('FUND', 'REFUND')),
	credit_account_id TEXT NOT NULL,
	debit_account_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('PENDING', 'COMPLETED', 'REJECTED')),
	status_reason TEXT NOT NULL DEFAULT '',
	bucket_key TEXT NOT NULL,
	created_at TEXT NOT NULL,
	executed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_status_bucket
	ON transactions(status, bucket_key);
`

// SQLiteRepository stores the ledger in a single SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates the schema. Use
// ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// LoadAccounts returns every stored account.
func (r *SQLiteRepository) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, balance, applied_transaction_ids, created_at FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var id, balance, applied, createdAt string
		if err := rows.Scan(&id, &balance, &applied, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a, err := decodeAccount(id, balance, applied, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LoadTransactions returns every stored transaction in id order.
func (r *SQLiteRepository) LoadTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scheduled_at, type, credit_account_id, debit_account_id, amount,
		       status, status_reason, bucket_key, created_at, executed_at
		FROM transactions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx                           ledger.Transaction
			scheduledAt, amount, created string
			typ, status, bucket          string
			executedAt                   sql.NullString
		)
		if err := rows.Scan(&tx.ID, &scheduledAt, &typ, &tx.CreditAccountID, &tx.DebitAccountID,
			&amount, &status, &tx.StatusReason, &bucket, &created, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		tx.Type = ledger.TransactionType(typ)
		tx.Status = ledger.TransactionStatus(status)
		tx.BucketKey = clock.Key(bucket)
		if tx.Amount, err = parseAmount(amount, "amount"); err != nil {
			return nil, err
		}
		if tx.ScheduledAt, err = parseTime(scheduledAt); err != nil {
			return nil, err
		}
		if tx.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if executedAt.Valid {
			at, err := parseTime(executedAt.String)
			if err != nil {
				return nil, err
			}
			tx.ExecutedAt = &at
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// SaveAccounts upserts the given accounts in one transaction.
func (r *SQLiteRepository) SaveAccounts(ctx context.Context, accounts []ledger.Account) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	if err := upsertSQLiteAccounts(ctx, dbtx, accounts); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit accounts: %w", err)
	}
	return nil
}

// InsertTransaction stores a newly submitted transaction.
func (r *SQLiteRepository) InsertTransaction(ctx context.Context, tx ledger.Transaction) error {
	var executedAt sql.NullString
	if tx.ExecutedAt != nil {
		executedAt = sql.NullString{String: formatTime(*tx.ExecutedAt), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, scheduled_at, type, credit_account_id, debit_account_id,
			amount, status, status_reason, bucket_key, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, formatTime(tx.ScheduledAt), string(tx.Type), tx.CreditAccountID, tx.DebitAccountID,
		tx.Amount.String(), string(tx.Status), tx.StatusReason, tx.BucketKey.String(),
		formatTime(tx.CreatedAt), executedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// RecordExecution moves a PENDING row to its terminal status and stores the changed
// accounts in the same database transaction.
func (r *SQLiteRepository) RecordExecution(ctx context.Context, tx ledger.Transaction, accounts []ledger.Account) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	var executedAt sql.NullString
	if tx.ExecutedAt != nil {
		executedAt = sql.NullString{String: formatTime(*tx.ExecutedAt), Valid: true}
	}
	res, err := dbtx.ExecContext(ctx, `
		UPDATE transactions SET status = ?, status_reason = ?, executed_at = ?
		WHERE id = ? AND status = 'PENDING'`,
		string(tx.Status), tx.StatusReason, executedAt, tx.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", tx.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", tx.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, tx.ID)
	}

	if err := upsertSQLiteAccounts(ctx, dbtx, accounts); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution of %s: %w", tx.ID, err)
	}
	return nil
}

func upsertSQLiteAccounts(ctx context.Context, dbtx *sql.Tx, accounts []ledger.Account) error {
	for _, a := range accounts {
		applied, err := encodeIDs(a.AppliedTransactionIDs)
		if err != nil {
			return err
		}
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO accounts (id, balance, applied_transaction_ids, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				balance = excluded.balance,
				applied_transaction_ids = excluded.applied_transaction_ids`,
			a.ID, a.Balance.String(), applied, formatTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
		}
	}
	return nil
}

func decodeAccount(id, balance, applied, createdAt string) (ledger.Account, error) {
	a := ledger.Account{ID: id}
	var err error
	if a.Balance, err = parseAmount(balance, "balance"); err != nil {
		return ledger.Account{}, err
	}
	if a.AppliedTransactionIDs, err = decodeIDs(applied); err != nil {
		return ledger.Account{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}
