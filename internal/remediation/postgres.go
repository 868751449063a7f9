package remediation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
)

// SessionDB is the subset of pgxpool.Pool the Postgres executor uses.
type SessionDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	terminateIdleSessions = `
		SELECT count(*) FILTER (WHERE pg_terminate_backend(pid))
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid <> pg_backend_pid()
		  AND state IN ('idle', 'idle in transaction')
		  AND state_change < now() - make_interval(mins => $1)
	`
	terminateBlockers = `
		SELECT count(*) FILTER (WHERE pg_terminate_backend(pid))
		FROM (
			SELECT DISTINCT unnest(pg_blocking_pids(pid)) AS pid
			FROM pg_stat_activity
			WHERE datname = current_database()
			  AND cardinality(pg_blocking_pids(pid)) > 0
		) blockers
		WHERE pid <> pg_backend_pid()
	`
	cancelLongQueries = `
		SELECT count(*) FILTER (WHERE pg_cancel_backend(pid))
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid <> pg_backend_pid()
		  AND state = 'active'
		  AND now() - query_start > make_interval(secs => $1)
	`
)

// PostgresExecutor remediates session and data problems in the monitored database.
type PostgresExecutor struct {
	db     SessionDB
	logger *zap.Logger
}

func NewPostgresExecutor(db SessionDB, logger *zap.Logger) *PostgresExecutor {
	return &PostgresExecutor{db: db, logger: logger}
}

func (p *PostgresExecutor) Actions() []string {
	return []string{"cleanup_stale_sessions", "kill_blocking_sessions", "cancel_long_queries", "quarantine_rows"}
}

func (p *PostgresExecutor) Run(ctx context.Context, action Action, _ *incident.Incident) (Result, error) {
	switch action.Name {
	case "cleanup_stale_sessions":
		minutes := action.Int("idle_minutes", 30)
		n, err := p.count(ctx, terminateIdleSessions, minutes)
		if err != nil {
			return Result{}, fmt.Errorf("failed to terminate idle sessions: %w", err)
		}
		return p.done(action, fmt.Sprintf("terminated %d sessions idle for more than %d minutes", n, minutes), n), nil

	case "kill_blocking_sessions":
		n, err := p.count(ctx, terminateBlockers)
		if err != nil {
			return Result{}, fmt.Errorf("failed to terminate blocking sessions: %w", err)
		}
		return p.done(action, fmt.Sprintf("terminated %d blocking sessions", n), n), nil

	case "cancel_long_queries":
		seconds := action.Int("max_seconds", 300)
		n, err := p.count(ctx, cancelLongQueries, seconds)
		if err != nil {
			return Result{}, fmt.Errorf("failed to cancel long queries: %w", err)
		}
		return p.done(action, fmt.Sprintf("cancelled %d queries running longer than %ds", n, seconds), n), nil

	case "quarantine_rows":
		return p.quarantine(ctx, action)
	}
	return Result{}, fmt.Errorf("postgres executor does not handle %q", action.Name)
}

func (p *PostgresExecutor) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := p.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *PostgresExecutor) done(action Action, detail string, affected int64) Result {
	p.logger.Info("Postgres remediation applied", zap.String("action", action.Name), zap.Int64("affected", affected))
	return Result{Success: true, Detail: detail}
}

// quarantine marks rows whose column holds a bad value so downstream jobs skip them.
func (p *PostgresExecutor) quarantine(ctx context.Context, action Action) (Result, error) {
	table := action.String("table", "")
	column := action.String("column", "")
	value := action.String("value", "")
	if table == "" || column == "" || value == "" {
		return Result{}, fmt.Errorf("quarantine_rows requires table, column and value parameters")
	}
	marker := action.String("quarantine_value", "quarantined")

	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2",
		pgx.Identifier{table}.Sanitize(),
		pgx.Identifier{column}.Sanitize(),
		pgx.Identifier{column}.Sanitize())

	tag, err := p.db.Exec(ctx, query, marker, value)
	if err != nil {
		return Result{}, fmt.Errorf("failed to quarantine rows in %s: %w", table, err)
	}
	n := tag.RowsAffected()
	return p.done(action, fmt.Sprintf("quarantined %d rows in %s where %s = %q", n, table, column, value), n), nil
}
