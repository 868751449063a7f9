package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/namansh70747/sentinel/internal/validation"
)

const validationColumns = `id, rule_name, rule_type, table_name, column_name, severity, passed, violation_count, sample_values, description, error_message, executed_at`

func (c *PostgresClient) SaveResult(ctx context.Context, r *validation.Result) error {
	samples, err := json.Marshal(r.Samples)
	if err != nil {
		return fmt.Errorf("failed to encode validation samples: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = c.pool.QueryRow(ctx, `
		INSERT INTO validation_results (rule_name, rule_type, table_name, column_name, severity, passed, violation_count, sample_values, description, error_message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		r.Rule, string(r.Type), r.Table, r.Column, string(r.Severity), r.Passed, r.Violations, samples, r.Description, r.Error, r.ExecutedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to save validation result: %w", err)
	}
	return nil
}

func scanValidationResult(row pgx.CollectableRow) (*validation.Result, error) {
	var (
		r       validation.Result
		samples []byte
	)
	if err := row.Scan(&r.ID, &r.Rule, &r.Type, &r.Table, &r.Column, &r.Severity, &r.Passed, &r.Violations, &samples, &r.Description, &r.Error, &r.ExecutedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(samples, &r.Samples); err != nil {
		return nil, fmt.Errorf("failed to decode validation samples: %w", err)
	}
	return &r, nil
}

func (c *PostgresClient) ListResults(ctx context.Context, limit int) ([]*validation.Result, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, `SELECT `+validationColumns+` FROM validation_results ORDER BY executed_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation results: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanValidationResult)
	if err != nil {
		return nil, fmt.Errorf("failed to scan validation results: %w", err)
	}
	return results, nil
}

func (c *PostgresClient) LatestResults(ctx context.Context) ([]*validation.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, `
		SELECT DISTINCT ON (rule_name) `+validationColumns+`
		FROM validation_results
		ORDER BY rule_name, executed_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest validation results: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanValidationResult)
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest validation results: %w", err)
	}
	return results, nil
}
