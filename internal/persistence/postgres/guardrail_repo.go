package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/postforge/postforge/internal/persistence"
)

// guardrailRepo implements persistence.GuardrailRepo for PostgreSQL. The
// Mutate cycle takes a SELECT ... FOR UPDATE row lock per user so two
// concurrent issuance attempts for the same user serialize and resets
// never apply twice.
type guardrailRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGuardrailRepo creates a new PostgreSQL guardrail-state repository.
func NewGuardrailRepo(db *sqlx.DB, timeout time.Duration) persistence.GuardrailRepo {
	return &guardrailRepo{db: db, timeout: timeout}
}

func (r *guardrailRepo) Mutate(ctx context.Context, userID string, fn func(*persistence.GuardrailState) error) (*persistence.GuardrailState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin guardrail transaction: %w", err)
	}
	defer tx.Rollback()

	// Ensure the row exists before taking the lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO guardrail_states (user_id, reset_at)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to init guardrail state: %w", err)
	}

	st, err := scanGuardrailState(tx.QueryRowxContext(ctx, `
		SELECT user_id, daily_count, daily_total, last_earn_at, recent_earns, reset_at, updated_at
		FROM guardrail_states
		WHERE user_id = $1
		FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}

	if err := fn(st); err != nil {
		return nil, err
	}

	recentJSON, err := json.Marshal(st.RecentEarn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recent earns: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE guardrail_states
		SET daily_count = $2, daily_total = $3, last_earn_at = $4, recent_earns = $5, reset_at = $6, updated_at = now()
		WHERE user_id = $1`,
		userID, st.DailyCount, st.DailyTotal, st.LastEarnAt, recentJSON, st.ResetAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update guardrail state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit guardrail update: %w", err)
	}

	st.UpdatedAt = time.Now().UTC()
	return st, nil
}

func (r *guardrailRepo) Get(ctx context.Context, userID string) (*persistence.GuardrailState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	st, err := scanGuardrailState(r.db.QueryRowxContext(ctx, `
		SELECT user_id, daily_count, daily_total, last_earn_at, recent_earns, reset_at, updated_at
		FROM guardrail_states
		WHERE user_id = $1`, userID))
	if err != nil {
		return nil, err
	}

	return st, nil
}

func scanGuardrailState(row rowScanner) (*persistence.GuardrailState, error) {
	var st persistence.GuardrailState
	var recentJSON []byte

	err := row.Scan(&st.UserID, &st.DailyCount, &st.DailyTotal, &st.LastEarnAt,
		&recentJSON, &st.ResetAt, &st.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan guardrail state: %w", err)
	}

	if len(recentJSON) > 0 {
		if err := json.Unmarshal(recentJSON, &st.RecentEarn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recent earns: %w", err)
		}
	}

	return &st, nil
}
