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

// pendingRepo implements persistence.PendingRepo for PostgreSQL. Shadow
// entries share the ledger's idempotency discipline but never touch
// user_balances.
type pendingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPendingRepo creates a new PostgreSQL pending-entry repository.
func NewPendingRepo(db *sqlx.DB, timeout time.Duration) persistence.PendingRepo {
	return &pendingRepo{db: db, timeout: timeout}
}

const pendingColumns = `id, user_id, event_type, reason_code, amount, idempotency_key, metadata, created_at`

func (r *pendingRepo) Append(ctx context.Context, e *persistence.PendingEntry) (*persistence.PendingEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal pending metadata: %w", err)
	}

	row := *e
	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO pending_entries (user_id, event_type, reason_code, amount, idempotency_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.UserID, e.EventType, e.ReasonCode, e.Amount, e.IdempotencyKey, metadataJSON).
		Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			existing, getErr := r.GetByIdempotencyKey(ctx, e.IdempotencyKey)
			if getErr != nil {
				return nil, false, fmt.Errorf("duplicate pending key lookup failed: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert pending entry: %w", err)
	}

	return &row, true, nil
}

func (r *pendingRepo) GetByIdempotencyKey(ctx context.Context, key string) (*persistence.PendingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var e persistence.PendingEntry
	var metadataJSON []byte

	err := r.db.QueryRowxContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_entries
		WHERE idempotency_key = $1`, key).
		Scan(&e.ID, &e.UserID, &e.EventType, &e.ReasonCode, &e.Amount,
			&e.IdempotencyKey, &metadataJSON, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pending entry: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending metadata: %w", err)
		}
	}

	return &e, nil
}

func (r *pendingRepo) ListByUser(ctx context.Context, userID string, limit int) ([]persistence.PendingEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	var out []persistence.PendingEntry
	for rows.Next() {
		var e persistence.PendingEntry
		var metadataJSON []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.ReasonCode, &e.Amount,
			&e.IdempotencyKey, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending entry: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal pending metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending rows: %w", err)
	}

	return out, nil
}
