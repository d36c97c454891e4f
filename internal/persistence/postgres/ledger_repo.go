package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/postforge/postforge/internal/persistence"
)

// ledgerRepo implements persistence.LedgerRepo for PostgreSQL. Append runs
// in one transaction: the user's balance row is locked, the entry is
// inserted with its balance_after, and the cached balance is updated. A
// duplicate idempotency key surfaces as pq code 23505 and resolves to the
// original entry.
type ledgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLedgerRepo creates a new PostgreSQL ledger repository.
func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) persistence.LedgerRepo {
	return &ledgerRepo{db: db, timeout: timeout}
}

const ledgerColumns = `id, user_id, event_type, reason_code, amount, balance_after, idempotency_key, metadata, created_at`

func (r *ledgerRepo) Append(ctx context.Context, e *persistence.LedgerEntry) (*persistence.LedgerEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	// Fast path for retried keys: return the original row untouched.
	if existing, err := getByKeyTx(ctx, tx, e.IdempotencyKey); err == nil {
		return existing, false, tx.Commit()
	} else if err != persistence.ErrNotFound {
		return nil, false, err
	}

	// Lock (or create) the balance row; the row lock serializes appends
	// for this user.
	var cached int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO user_balances (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
		RETURNING balance`, e.UserID).Scan(&cached)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock balance row: %w", err)
	}

	// Chain from the latest entry, never the cached row: the cache can
	// drift, and every balance_after must equal the previous balance_after
	// plus the amount regardless.
	var prev int64
	err = tx.QueryRowxContext(ctx, `
		SELECT COALESCE((
			SELECT balance_after FROM ledger_entries
			WHERE user_id = $1
			ORDER BY id DESC
			LIMIT 1), 0)`, e.UserID).Scan(&prev)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read latest balance_after: %w", err)
	}

	balanceAfter := prev + e.Amount

	row := *e
	row.BalanceAfter = balanceAfter
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO ledger_entries (user_id, event_type, reason_code, amount, balance_after, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		e.UserID, e.EventType, e.ReasonCode, e.Amount, balanceAfter, e.IdempotencyKey, metadataJSON).
		Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Concurrent append with the same key won; surface its row.
			tx.Rollback()
			existing, getErr := r.GetByIdempotencyKey(ctx, e.IdempotencyKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("duplicate ledger key lookup failed: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_balances SET balance = $2, updated_at = now() WHERE user_id = $1`,
		e.UserID, balanceAfter)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update cached balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit ledger append: %w", err)
	}

	return &row, true, nil
}

func getByKeyTx(ctx context.Context, tx *sqlx.Tx, key string) (*persistence.LedgerEntry, error) {
	row := tx.QueryRowxContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE idempotency_key = $1`, key)
	return scanLedgerEntry(row)
}

func (r *ledgerRepo) GetByIdempotencyKey(ctx context.Context, key string) (*persistence.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE idempotency_key = $1`, key)
	return scanLedgerEntry(row)
}

func (r *ledgerRepo) SumByUser(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sum int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}

	return sum, nil
}

func (r *ledgerRepo) ListByUser(ctx context.Context, userID string, limit int) ([]persistence.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []persistence.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntryFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}

	return out, nil
}

func (r *ledgerRepo) Users(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var users []string
	err := r.db.SelectContext(ctx, &users, `
		SELECT DISTINCT user_id FROM ledger_entries ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger users: %w", err)
	}

	return users, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLedgerEntry(row rowScanner) (*persistence.LedgerEntry, error) {
	var e persistence.LedgerEntry
	var metadataJSON []byte

	err := row.Scan(&e.ID, &e.UserID, &e.EventType, &e.ReasonCode, &e.Amount,
		&e.BalanceAfter, &e.IdempotencyKey, &metadataJSON, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger metadata: %w", err)
		}
	}

	return &e, nil
}

func scanLedgerEntryFromRows(rows *sqlx.Rows) (*persistence.LedgerEntry, error) {
	return scanLedgerEntry(rows)
}

// balanceRepo implements persistence.BalanceRepo over the user_balances
// table shared with the ledger transaction.
type balanceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBalanceRepo creates a new PostgreSQL balance repository.
func NewBalanceRepo(db *sqlx.DB, timeout time.Duration) persistence.BalanceRepo {
	return &balanceRepo{db: db, timeout: timeout}
}

func (r *balanceRepo) Get(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var balance int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT balance FROM user_balances WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get cached balance: %w", err)
	}

	return balance, nil
}

func (r *balanceRepo) Set(ctx context.Context, userID string, balance int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = $2, updated_at = now()`,
		userID, balance)
	if err != nil {
		return fmt.Errorf("failed to set cached balance: %w", err)
	}

	return nil
}
