package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/namansh70747/sentinel/internal/incident"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == foreignKeyViolation
}

func (c *PostgresClient) SavePostmortem(ctx context.Context, pm *incident.Postmortem) error {
	timeline, err := json.Marshal(pm.Timeline)
	if err != nil {
		return fmt.Errorf("failed to encode postmortem timeline: %w", err)
	}
	remediation, err := json.Marshal(pm.Remediation)
	if err != nil {
		return fmt.Errorf("failed to encode postmortem remediation: %w", err)
	}

	query := `
		INSERT INTO postmortems (incident_id, summary, root_cause, timeline, remediation, lessons_learned, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = c.pool.QueryRow(ctx, query,
		pm.IncidentID,
		pm.Summary,
		pm.RootCause,
		timeline,
		remediation,
		pm.LessonsLearned,
		pm.GeneratedAt,
	).Scan(&pm.ID)

	switch pgErrorCode(err) {
	case "":
	case uniqueViolation:
		return incident.ErrPostmortemExists
	case foreignKeyViolation:
		return incident.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save postmortem: %w", err)
	}
	return nil
}

const postmortemColumns = `id, incident_id, summary, root_cause, timeline, remediation, lessons_learned, generated_at`

func scanPostmortem(row pgx.Row) (*incident.Postmortem, error) {
	var (
		pm          incident.Postmortem
		timeline    []byte
		remediation []byte
	)
	if err := row.Scan(&pm.ID, &pm.IncidentID, &pm.Summary, &pm.RootCause, &timeline, &remediation, &pm.LessonsLearned, &pm.GeneratedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(timeline, &pm.Timeline); err != nil {
		return nil, fmt.Errorf("failed to decode postmortem timeline: %w", err)
	}
	if err := json.Unmarshal(remediation, &pm.Remediation); err != nil {
		return nil, fmt.Errorf("failed to decode postmortem remediation: %w", err)
	}
	return &pm, nil
}

func (c *PostgresClient) GetPostmortem(ctx context.Context, incidentID int64) (*incident.Postmortem, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pm, err := scanPostmortem(c.pool.QueryRow(ctx, `SELECT `+postmortemColumns+` FROM postmortems WHERE incident_id = $1`, incidentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get postmortem: %w", err)
	}
	return pm, nil
}

func (c *PostgresClient) ListMissingPostmortems(ctx context.Context, limit int) ([]*incident.Incident, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents i
		WHERE i.status = 'resolved'
		  AND NOT EXISTS (SELECT 1 FROM postmortems p WHERE p.incident_id = i.id)
		ORDER BY i.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents missing postmortems: %w", err)
	}
	return collectIncidents(rows)
}

func (c *PostgresClient) ListPostmortems(ctx context.Context, limit int) ([]*incident.Postmortem, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, `SELECT `+postmortemColumns+` FROM postmortems ORDER BY generated_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query postmortems: %w", err)
	}
	defer rows.Close()

	var out []*incident.Postmortem
	for rows.Next() {
		pm, err := scanPostmortem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan postmortem: %w", err)
		}
		out = append(out, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating postmortems: %w", err)
	}
	return out, nil
}
