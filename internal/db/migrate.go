package db

import (
	"database/sql"
	"fmt"
)

// Schema statements, applied in order. All are idempotent so Migrate can run
// at every deploy.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		trigger_type TEXT NOT NULL,
		trigger_marathon_id UUID,
		trigger_day_number INT,
		steps JSONB NOT NULL DEFAULT '[]',
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_campaigns_trigger
		ON campaigns (trigger_type) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS recipients (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		attributes JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS message_templates (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		subject TEXT NOT NULL,
		html TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS campaign_enrollments (
		id UUID PRIMARY KEY,
		campaign_id UUID NOT NULL REFERENCES campaigns(id),
		recipient_id UUID NOT NULL REFERENCES recipients(id),
		status TEXT NOT NULL DEFAULT 'active',
		cursor INT NOT NULL DEFAULT 0,
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_resolved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// At most one active enrollment per (campaign, recipient).
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_enrollment_active
		ON campaign_enrollments (campaign_id, recipient_id)
		WHERE status = 'active'`,

	`CREATE INDEX IF NOT EXISTS idx_enrollments_recipient
		ON campaign_enrollments (recipient_id) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS step_outcomes (
		enrollment_id UUID NOT NULL REFERENCES campaign_enrollments(id),
		step_id TEXT NOT NULL,
		dispatched_at TIMESTAMPTZ NOT NULL,
		delivery_state TEXT NOT NULL,
		provider_message_id TEXT NOT NULL DEFAULT '',
		opened BOOLEAN NOT NULL DEFAULT FALSE,
		opened_at TIMESTAMPTZ,
		clicked BOOLEAN NOT NULL DEFAULT FALSE,
		clicked_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (enrollment_id, step_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_outcomes_provider_message
		ON step_outcomes (provider_message_id)
		WHERE provider_message_id <> ''`,

	`CREATE TABLE IF NOT EXISTS campaign_stats (
		campaign_id UUID PRIMARY KEY REFERENCES campaigns(id),
		sent BIGINT NOT NULL DEFAULT 0,
		delivered BIGINT NOT NULL DEFAULT 0,
		opened BIGINT NOT NULL DEFAULT 0,
		clicked BIGINT NOT NULL DEFAULT 0,
		bounced BIGINT NOT NULL DEFAULT 0,
		failed BIGINT NOT NULL DEFAULT 0,
		unsubscribed BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the embedded schema statements in order.
func Migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
