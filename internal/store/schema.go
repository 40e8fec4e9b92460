package store

import (
	"context"
	"fmt"
)

// schemaStatements are applied in order by EnsureSchema. Each statement is
// idempotent so the bootstrap can run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         UUID PRIMARY KEY,
		google_id  TEXT NOT NULL UNIQUE,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		avatar     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS mail_campaigns (
		id               UUID PRIMARY KEY,
		user_id          UUID NOT NULL REFERENCES users(id),
		subject          VARCHAR(500) NOT NULL,
		body             TEXT NOT NULL,
		start_time       TIMESTAMPTZ NOT NULL,
		delay_between_ms BIGINT NOT NULL DEFAULT 0,
		hourly_limit     INTEGER NOT NULL DEFAULT 50,
		status           TEXT NOT NULL DEFAULT 'SCHEDULED',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS mail_dispatches (
		id              UUID PRIMARY KEY,
		campaign_id     UUID NOT NULL REFERENCES mail_campaigns(id) ON DELETE CASCADE,
		recipient_email TEXT NOT NULL,
		subject         VARCHAR(500) NOT NULL,
		body            TEXT NOT NULL,
		scheduled_time  TIMESTAMPTZ NOT NULL,
		sent_time       TIMESTAMPTZ,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		error_message   TEXT,
		sender_email    TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (campaign_id, recipient_email)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_mail_dispatches_status
		ON mail_dispatches(status)`,

	`CREATE INDEX IF NOT EXISTS idx_mail_dispatches_campaign
		ON mail_dispatches(campaign_id)`,

	`CREATE TABLE IF NOT EXISTS sender_accounts (
		id        UUID PRIMARY KEY,
		email     TEXT NOT NULL UNIQUE,
		password  TEXT NOT NULL,
		smtp_host TEXT NOT NULL,
		smtp_port INTEGER NOT NULL DEFAULT 587,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

// EnsureSchema creates the relational schema if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}
