// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is the ordered list of DDL statements applied at startup. The
// first entry creates schema_migrations itself and runs on every start
// (CREATE TABLE IF NOT EXISTS); each later entry runs inside its own
// transaction and is recorded in schema_migrations so re-runs are no-ops.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		target_url TEXT NOT NULL,
		secret TEXT NOT NULL,
		event_types TEXT[] NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_is_active ON subscriptions (is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_event_types ON subscriptions USING GIN (event_types)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
		id BIGSERIAL PRIMARY KEY,
		subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_subscription_id ON webhooks (subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_event_type ON webhooks (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_webhooks_created_at ON webhooks (created_at)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id BIGSERIAL PRIMARY KEY,
		subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		webhook_id BIGINT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
		attempt_number INTEGER NOT NULL,
		status_code INTEGER,
		response_body TEXT,
		error_message TEXT,
		is_success BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (webhook_id, attempt_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_subscription_id ON delivery_attempts (subscription_id)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_webhook_id ON delivery_attempts (webhook_id)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_created_at ON delivery_attempts (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_attempts_is_success ON delivery_attempts (is_success)`,
}

// Migrate applies every not-yet-applied statement in order, recording each
// version in schema_migrations. It is safe to call on every process start.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for version, stmt := range migrations {
		if version == 0 {
			continue
		}
		var applied bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if applied {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}
