package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/postforge/postforge/internal/persistence"
)

// auditRepo implements persistence.AuditRepo for PostgreSQL. Inserts only;
// the table carries no update path at all.
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a new PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Append(ctx context.Context, rec *persistence.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO audit_records (workflow_id, user_id, platform, stage, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		rec.WorkflowID, rec.UserID, rec.Platform, rec.Stage, rec.Status, payloadJSON).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

func (r *auditRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]persistence.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, workflow_id, user_id, platform, stage, status, payload, created_at
		FROM audit_records
		WHERE workflow_id = $1
		ORDER BY id ASC`

	rows, err := r.db.QueryxContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var out []persistence.AuditRecord
	for rows.Next() {
		var rec persistence.AuditRecord
		var payloadJSON []byte
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &rec.UserID, &rec.Platform,
			&rec.Stage, &rec.Status, &payloadJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return out, nil
}

func (r *auditRepo) CountByWorkflow(ctx context.Context, workflowID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE workflow_id = $1`, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	return count, nil
}
