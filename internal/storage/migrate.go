package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations is the ordered schema. Statements are written in a dialect
// shared by sqlite and postgres.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS channel_configs (
		channel_id        TEXT PRIMARY KEY,
		config_json       TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		enabled           BOOLEAN NOT NULL DEFAULT FALSE,
		last_error        TEXT NOT NULL DEFAULT '',
		last_heartbeat_at TIMESTAMP,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_audit_log (
		id           TEXT PRIMARY KEY,
		channel_id   TEXT NOT NULL,
		action       TEXT NOT NULL,
		details      TEXT NOT NULL DEFAULT '{}',
		performed_by TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_audit_channel ON channel_audit_log (channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS channel_events (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		error      TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_events_channel ON channel_events (channel_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_events_message ON channel_events (channel_id, message_id)`,
	`CREATE TABLE IF NOT EXISTS security_violations (
		id                  TEXT PRIMARY KEY,
		channel_id          TEXT NOT NULL,
		violation_type      TEXT NOT NULL,
		message_id          TEXT NOT NULL DEFAULT '',
		user_key            TEXT NOT NULL DEFAULT '',
		policy_mode         TEXT NOT NULL DEFAULT '',
		attempted_operation TEXT NOT NULL DEFAULT '',
		action              TEXT NOT NULL,
		created_at          TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_violations_channel ON security_violations (channel_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS message_dedupe (
		channel_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		seen_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (channel_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS extensions (
		extension_id  TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		version       TEXT NOT NULL,
		status        TEXT NOT NULL,
		enabled       BOOLEAN NOT NULL DEFAULT FALSE,
		sha256        TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		source_url    TEXT NOT NULL DEFAULT '',
		installed_at  TIMESTAMP NOT NULL,
		manifest_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS extension_installs (
		install_id   TEXT PRIMARY KEY,
		extension_id TEXT NOT NULL,
		status       TEXT NOT NULL,
		progress     INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		started_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		error        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_installs_extension ON extension_installs (extension_id, status)`,
	`CREATE TABLE IF NOT EXISTS extension_configs (
		extension_id TEXT PRIMARY KEY,
		config_json  TEXT NOT NULL DEFAULT '{}',
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lead_findings (
		fingerprint    TEXT PRIMARY KEY,
		code           TEXT NOT NULL,
		severity       TEXT NOT NULL,
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		window_kind    TEXT NOT NULL DEFAULT '',
		first_seen_at  TIMESTAMP NOT NULL,
		last_seen_at   TIMESTAMP NOT NULL,
		count          INTEGER NOT NULL DEFAULT 1,
		evidence_json  TEXT NOT NULL DEFAULT '{}',
		linked_task_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS evolution_decisions (
		decision_id  TEXT PRIMARY KEY,
		extension_id TEXT NOT NULL,
		action       TEXT NOT NULL,
		risk_score   INTEGER NOT NULL,
		trajectory   TEXT NOT NULL,
		review_level TEXT NOT NULL,
		explanation  TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_extension ON evolution_decisions (extension_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_status ON evolution_decisions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS task_audits (
		id           TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_audits_task ON task_audits (task_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS system_logs (
		id           TEXT PRIMARY KEY,
		level        TEXT NOT NULL,
		message      TEXT NOT NULL,
		context_json TEXT NOT NULL DEFAULT '{}',
		timestamp    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_system_logs_time ON system_logs (timestamp)`,
}

// Migrate applies the schema. Every statement is idempotent, so Migrate
// can run at every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
