package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// migration is one versioned, forward-only DDL step. Schema is provisioned
// here ahead of time; nothing on the request path creates structure.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "audit_records",
		SQL: `
			CREATE TABLE IF NOT EXISTS audit_records (
				id          BIGSERIAL PRIMARY KEY,
				workflow_id TEXT        NOT NULL,
				user_id     TEXT        NOT NULL,
				platform    TEXT        NOT NULL DEFAULT '',
				stage       TEXT        NOT NULL,
				status      TEXT        NOT NULL,
				payload     JSONB       NOT NULL DEFAULT '{}',
				created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_audit_workflow ON audit_records (workflow_id, id);`,
	},
	{
		Version: 2,
		Name:    "receipts",
		SQL: `
			CREATE TABLE IF NOT EXISTS receipts (
				request_id      TEXT PRIMARY KEY,
				workflow_id     TEXT        NOT NULL,
				user_id         TEXT        NOT NULL,
				decision_status TEXT        NOT NULL,
				audit_ok        BOOLEAN     NOT NULL,
				mode            TEXT        NOT NULL,
				issued_at       TIMESTAMPTZ NOT NULL,
				expires_at      TIMESTAMPTZ NOT NULL,
				consumed_at     TIMESTAMPTZ NULL,
				consumed_by     TEXT        NULL
			);
			CREATE INDEX IF NOT EXISTS idx_receipts_expiry ON receipts (expires_at);`,
	},
	{
		Version: 3,
		Name:    "user_balances",
		SQL: `
			CREATE TABLE IF NOT EXISTS user_balances (
				user_id    TEXT PRIMARY KEY,
				balance    BIGINT      NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);`,
	},
	{
		Version: 4,
		Name:    "ledger_entries",
		SQL: `
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id              BIGSERIAL PRIMARY KEY,
				user_id         TEXT        NOT NULL,
				event_type      TEXT        NOT NULL,
				reason_code     TEXT        NOT NULL,
				amount          BIGINT      NOT NULL,
				balance_after   BIGINT      NOT NULL,
				idempotency_key TEXT        NOT NULL UNIQUE,
				metadata        JSONB       NOT NULL DEFAULT '{}',
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries (user_id, id);`,
	},
	{
		Version: 5,
		Name:    "pending_entries",
		SQL: `
			CREATE TABLE IF NOT EXISTS pending_entries (
				id              BIGSERIAL PRIMARY KEY,
				user_id         TEXT        NOT NULL,
				event_type      TEXT        NOT NULL,
				reason_code     TEXT        NOT NULL,
				amount          BIGINT      NOT NULL,
				idempotency_key TEXT        NOT NULL UNIQUE,
				metadata        JSONB       NOT NULL DEFAULT '{}',
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_pending_user ON pending_entries (user_id, id);`,
	},
	{
		Version: 6,
		Name:    "guardrail_states",
		SQL: `
			CREATE TABLE IF NOT EXISTS guardrail_states (
				user_id      TEXT PRIMARY KEY,
				daily_count  INTEGER     NOT NULL DEFAULT 0,
				daily_total  BIGINT      NOT NULL DEFAULT 0,
				last_earn_at TIMESTAMPTZ NULL,
				recent_earns JSONB       NOT NULL DEFAULT '[]',
				reset_at     TIMESTAMPTZ NOT NULL,
				updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
			);`,
	},
}

// Migrate applies all pending migrations in order. Safe to re-run.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("applied migration")
	}

	return nil
}
