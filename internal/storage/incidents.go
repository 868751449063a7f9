package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
)

var _ incident.Store = (*PostgresClient)(nil)

const incidentColumns = `id, incident_type, severity, status, title, description, detected_at,
	acknowledged_at, resolved_at, resolved_by, dedup_key, metadata`

// createRetries bounds the insert/lookup loop when the incident holding a
// dedup key leaves the active statuses between the two statements.
const createRetries = 3

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc        incident.Incident
		severity   string
		status     string
		resolvedBy *string
		metadata   []byte
	)
	err := row.Scan(
		&inc.ID,
		&inc.Type,
		&severity,
		&status,
		&inc.Title,
		&inc.Description,
		&inc.DetectedAt,
		&inc.AcknowledgedAt,
		&inc.ResolvedAt,
		&resolvedBy,
		&inc.DedupKey,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	inc.Severity = incident.Severity(severity)
	inc.Status = incident.Status(status)
	if resolvedBy != nil {
		by := incident.ResolvedBy(*resolvedBy)
		inc.ResolvedBy = &by
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &inc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode incident metadata: %w", err)
		}
	}
	return &inc, nil
}

func (c *PostgresClient) CreateIfAbsent(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode incident metadata: %w", err)
	}
	if inc.Metadata == nil {
		metadata = []byte("{}")
	}

	status := inc.Status
	if status == "" {
		status = incident.StatusDetected
	}
	detectedAt := inc.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}

	insert := `
		INSERT INTO incidents (incident_type, severity, status, title, description, detected_at, dedup_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedup_key) WHERE status IN ('detected', 'investigating', 'remediating') DO NOTHING
		RETURNING ` + incidentColumns

	lookup := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE dedup_key = $1
		  AND status IN ('detected', 'investigating', 'remediating')
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for attempt := 0; attempt < createRetries; attempt++ {
		var stored *incident.Incident
		err := c.inTx(ctx, func(tx pgx.Tx) error {
			row := tx.QueryRow(ctx, insert,
				inc.Type,
				string(inc.Severity),
				string(status),
				inc.Title,
				inc.Description,
				detectedAt,
				inc.DedupKey,
				metadata,
			)
			created, err := scanIncident(row)
			if err != nil {
				return err
			}
			stored = created
			_, err = tx.Exec(ctx, `
				INSERT INTO incident_status_history (incident_id, from_status, to_status, changed_at, actor)
				VALUES ($1, '', $2, $3, $4)
			`, created.ID, string(created.Status), created.DetectedAt, incident.ActorMonitor)
			return err
		})
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to insert incident: %w", err)
		}

		// Conflict on the partial unique index: return the active holder.
		existing, err := scanIncident(c.pool.QueryRow(ctx, lookup, inc.DedupKey))
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to load incident for dedup key: %w", err)
		}
		return existing, false, nil
	}

	return nil, false, fmt.Errorf("dedup key %s: %w", deref(inc.DedupKey), incident.ErrConflict)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (c *PostgresClient) Absorb(ctx context.Context, id int64, seenAt time.Time, value float64) error {
	query := `
		UPDATE incidents
		SET metadata = metadata || jsonb_build_object(
			'occurrences', COALESCE((metadata->>'occurrences')::int, 1) + 1,
			'last_seen_at', $2::text,
			'last_value', $3::float8
		)
		WHERE id = $1
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := c.pool.Exec(ctx, query, id, seenAt.UTC().Format(time.RFC3339Nano), value)
	if err != nil {
		return fmt.Errorf("failed to update incident metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

func (c *PostgresClient) Get(ctx context.Context, id int64) (*incident.Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	inc, err := scanIncident(c.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident %d: %w", id, err)
	}
	return inc, nil
}

func (c *PostgresClient) List(ctx context.Context, filter incident.Filter) ([]*incident.Incident, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if filter.Type != "" {
		where = append(where, "incident_type = "+arg(filter.Type))
	}
	if !filter.Since.IsZero() {
		where = append(where, "detected_at >= "+arg(filter.Since))
	}
	if !filter.Before.IsZero() {
		where = append(where, "detected_at < "+arg(filter.Before))
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	return collectIncidents(rows)
}

func collectIncidents(rows pgx.Rows) ([]*incident.Incident, error) {
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident row: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}
	return out, nil
}

func (c *PostgresClient) CompareAndSwapStatus(ctx context.Context, id int64, from, to incident.Status, stamp incident.Stamp) (*incident.Incident, error) {
	at := stamp.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var resolvedBy *string
	if stamp.ResolvedBy != nil {
		by := string(*stamp.ResolvedBy)
		resolvedBy = &by
	}

	update := `
		UPDATE incidents
		SET status = $3,
		    acknowledged_at = CASE WHEN $3 = 'investigating' THEN COALESCE(acknowledged_at, $4) ELSE acknowledged_at END,
		    resolved_at = CASE WHEN $3 = 'resolved' THEN $4 ELSE resolved_at END,
		    resolved_by = CASE WHEN $3 = 'resolved' THEN $5 ELSE resolved_by END
		WHERE id = $1 AND status = $2
		RETURNING ` + incidentColumns

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var updated *incident.Incident
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		inc, err := scanIncident(tx.QueryRow(ctx, update, id, string(from), string(to), at, resolvedBy))
		if err != nil {
			return err
		}
		updated = inc
		_, err = tx.Exec(ctx, `
			INSERT INTO incident_status_history (incident_id, from_status, to_status, changed_at, actor)
			VALUES ($1, $2, $3, $4, $5)
		`, id, string(from), string(to), at, stamp.Actor)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qErr := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); qErr != nil {
			return nil, fmt.Errorf("failed to check incident %d: %w", id, qErr)
		}
		if !exists {
			return nil, incident.ErrNotFound
		}
		return nil, incident.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update incident %d status: %w", id, err)
	}

	c.logger.Debug("Incident status swapped",
		zap.Int64("incident_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return updated, nil
}

func (c *PostgresClient) AppendAttempt(ctx context.Context, attempt *incident.RemediationAttempt) error {
	query := `
		INSERT INTO remediation_attempts (incident_id, action_name, executed_at, success, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := c.pool.QueryRow(ctx, query,
		attempt.IncidentID,
		attempt.ActionName,
		attempt.ExecutedAt,
		attempt.Success,
		attempt.Detail,
	).Scan(&attempt.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return incident.ErrNotFound
		}
		return fmt.Errorf("failed to save remediation attempt: %w", err)
	}
	return nil
}

func (c *PostgresClient) ListAttempts(ctx context.Context, incidentID int64) ([]*incident.RemediationAttempt, error) {
	if err := c.requireIncident(ctx, incidentID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, incident_id, action_name, executed_at, success, detail
		FROM remediation_attempts
		WHERE incident_id = $1
		ORDER BY executed_at, id
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query remediation attempts: %w", err)
	}
	defer rows.Close()

	out := []*incident.RemediationAttempt{}
	for rows.Next() {
		var a incident.RemediationAttempt
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.ActionName, &a.ExecutedAt, &a.Success, &a.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan remediation attempt: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating remediation attempts: %w", err)
	}
	return out, nil
}

func (c *PostgresClient) CountAttempts(ctx context.Context, incidentID int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int
	err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM remediation_attempts WHERE incident_id = $1`, incidentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count remediation attempts: %w", err)
	}
	return count, nil
}

func (c *PostgresClient) History(ctx context.Context, incidentID int64) ([]*incident.StatusChange, error) {
	if err := c.requireIncident(ctx, incidentID); err != nil {
		return nil, err
	}

	query := `
		SELECT incident_id, from_status, to_status, changed_at, actor
		FROM incident_status_history
		WHERE incident_id = $1
		ORDER BY id
	`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	out := []*incident.StatusChange{}
	for rows.Next() {
		var (
			h        incident.StatusChange
			from, to string
		)
		if err := rows.Scan(&h.IncidentID, &from, &to, &h.At, &h.Actor); err != nil {
			return nil, fmt.Errorf("failed to scan status change: %w", err)
		}
		h.From = incident.Status(from)
		h.To = incident.Status(to)
		out = append(out, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status history: %w", err)
	}
	return out, nil
}

func (c *PostgresClient) requireIncident(ctx context.Context, id int64) error {
	var exists bool
	if err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check incident %d: %w", id, err)
	}
	if !exists {
		return incident.ErrNotFound
	}
	return nil
}
