package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/postforge/postforge/internal/persistence"
)

// receiptRepo implements persistence.ReceiptRepo for PostgreSQL. The
// consume transition is a single conditional UPDATE so that of any number
// of concurrent callers exactly one observes a row change.
type receiptRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReceiptRepo creates a new PostgreSQL receipt repository.
func NewReceiptRepo(db *sqlx.DB, timeout time.Duration) persistence.ReceiptRepo {
	return &receiptRepo{db: db, timeout: timeout}
}

func (r *receiptRepo) Insert(ctx context.Context, rec *persistence.Receipt) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO receipts (request_id, workflow_id, user_id, decision_status, audit_ok, mode, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		rec.RequestID, rec.WorkflowID, rec.UserID, rec.DecisionStatus,
		rec.AuditOK, rec.Mode, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate receipt %s: %w", rec.RequestID, err)
		}
		return fmt.Errorf("failed to insert receipt: %w", err)
	}

	return nil
}

func (r *receiptRepo) Get(ctx context.Context, requestID string) (*persistence.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT request_id, workflow_id, user_id, decision_status, audit_ok, mode, issued_at, expires_at, consumed_at, COALESCE(consumed_by, '')
		FROM receipts
		WHERE request_id = $1`

	var rec persistence.Receipt
	err := r.db.QueryRowxContext(ctx, query, requestID).Scan(
		&rec.RequestID, &rec.WorkflowID, &rec.UserID, &rec.DecisionStatus,
		&rec.AuditOK, &rec.Mode, &rec.IssuedAt, &rec.ExpiresAt, &rec.ConsumedAt, &rec.ConsumedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}

	return &rec, nil
}

func (r *receiptRepo) MarkConsumed(ctx context.Context, requestID, consumedBy string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE receipts
		SET consumed_at = $2, consumed_by = $3
		WHERE request_id = $1 AND consumed_at IS NULL AND expires_at > $2`,
		requestID, now, consumedBy)
	if err != nil {
		return false, fmt.Errorf("failed to consume receipt: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read consume result: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Lost the transition or the receipt does not exist; distinguish.
	var exists bool
	err = r.db.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM receipts WHERE request_id = $1)`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check receipt existence: %w", err)
	}
	if !exists {
		return false, persistence.ErrNotFound
	}
	return false, nil
}

func (r *receiptRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM receipts WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired receipts: %w", err)
	}

	return res.RowsAffected()
}
