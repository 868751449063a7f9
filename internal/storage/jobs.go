package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/namansh70747/sentinel/internal/jobs"
)

func (c *PostgresClient) StartRun(ctx context.Context, run *jobs.Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.pool.QueryRow(ctx, `
		INSERT INTO job_runs (job_name, trigger, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		run.Job, string(run.Trigger), string(run.Status), run.StartedAt,
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

func (c *PostgresClient) CompleteRun(ctx context.Context, run *jobs.Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, completed_at = $3, duration_ms = $4, rows_affected = $5, error_message = $6
		WHERE id = $1`,
		run.ID, string(run.Status), run.CompletedAt, run.DurationMS, run.RowsAffected, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update job run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs first. An empty job lists every job.
func (c *PostgresClient) ListRuns(ctx context.Context, job string, limit int) ([]*jobs.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, `
		SELECT id, job_name, trigger, status, started_at, completed_at, duration_ms, rows_affected, error_message
		FROM job_runs
		WHERE $1 = '' OR job_name = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*jobs.Run, error) {
		var r jobs.Run
		err := row.Scan(&r.ID, &r.Job, &r.Trigger, &r.Status, &r.StartedAt, &r.CompletedAt, &r.DurationMS, &r.RowsAffected, &r.Error)
		return &r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan job runs: %w", err)
	}
	return runs, nil
}
