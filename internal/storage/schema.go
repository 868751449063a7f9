package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id              BIGSERIAL PRIMARY KEY,
		incident_type   TEXT NOT NULL,
		severity        TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'critical')),
		status          TEXT NOT NULL CHECK (status IN ('detected', 'investigating', 'remediating', 'resolved', 'escalated')),
		title           TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		detected_at     TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		resolved_at     TIMESTAMPTZ,
		resolved_by     TEXT CHECK (resolved_by IN ('auto', 'manual')),
		dedup_key       TEXT,
		metadata        JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS incidents_active_dedup_key
		ON incidents (dedup_key)
		WHERE status IN ('detected', 'investigating', 'remediating')`,
	`CREATE INDEX IF NOT EXISTS incidents_status_detected_at ON incidents (status, detected_at)`,
	`CREATE INDEX IF NOT EXISTS incidents_type ON incidents (incident_type)`,
	`CREATE TABLE IF NOT EXISTS remediation_attempts (
		id          BIGSERIAL PRIMARY KEY,
		incident_id BIGINT NOT NULL REFERENCES incidents (id),
		action_name TEXT NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL,
		success     BOOLEAN NOT NULL,
		detail      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS remediation_attempts_incident ON remediation_attempts (incident_id, executed_at)`,
	`CREATE TABLE IF NOT EXISTS incident_status_history (
		id          BIGSERIAL PRIMARY KEY,
		incident_id BIGINT NOT NULL REFERENCES incidents (id),
		from_status TEXT NOT NULL DEFAULT '',
		to_status   TEXT NOT NULL,
		changed_at  TIMESTAMPTZ NOT NULL,
		actor       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS incident_status_history_incident ON incident_status_history (incident_id, id)`,
	`CREATE TABLE IF NOT EXISTS postmortems (
		id              BIGSERIAL PRIMARY KEY,
		incident_id     BIGINT NOT NULL UNIQUE REFERENCES incidents (id),
		summary         TEXT NOT NULL,
		root_cause      TEXT NOT NULL,
		timeline        JSONB NOT NULL,
		remediation     JSONB NOT NULL,
		lessons_learned TEXT NOT NULL,
		generated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_runs (
		id            BIGSERIAL PRIMARY KEY,
		job_name      TEXT NOT NULL,
		trigger       TEXT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('running', 'success', 'failed')),
		started_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		rows_affected BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS job_runs_job_started ON job_runs (job_name, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS validation_results (
		id              BIGSERIAL PRIMARY KEY,
		rule_name       TEXT NOT NULL,
		rule_type       TEXT NOT NULL,
		table_name      TEXT NOT NULL DEFAULT '',
		column_name     TEXT NOT NULL DEFAULT '',
		severity        TEXT NOT NULL,
		passed          BOOLEAN NOT NULL,
		violation_count BIGINT NOT NULL,
		sample_values   JSONB NOT NULL DEFAULT '[]'::jsonb,
		description     TEXT NOT NULL DEFAULT '',
		error_message   TEXT NOT NULL DEFAULT '',
		executed_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS validation_results_rule_executed ON validation_results (rule_name, executed_at DESC)`,
}

// Migrate creates the tables and indexes if they do not exist.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for i, stmt := range schema {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}

	c.logger.Info("Database schema is up to date", zap.Int("statements", len(schema)))
	return nil
}

// Truncate empties every table. Used by integration tests.
func (c *PostgresClient) Truncate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `TRUNCATE postmortems, incident_status_history, remediation_attempts, incidents, job_runs, validation_results RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}
