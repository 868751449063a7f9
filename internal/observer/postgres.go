package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool the session collector uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionStats = `
	SELECT
		count(*)::float8,
		(count(*) FILTER (WHERE cardinality(pg_blocking_pids(pid)) > 0))::float8,
		(count(*) FILTER (WHERE state = 'active' AND now() - query_start > make_interval(secs => $1)))::float8,
		COALESCE(avg(EXTRACT(EPOCH FROM now() - query_start)) FILTER (WHERE state = 'active' AND wait_event IS NOT NULL), 0)::float8
	FROM pg_stat_activity
	WHERE datname = current_database()
	  AND pid <> pg_backend_pid()
`

// PostgresCollector samples session pressure from pg_stat_activity.
type PostgresCollector struct {
	db               Querier
	longQuerySeconds int
}

func NewPostgresCollector(db Querier, longQuery time.Duration) *PostgresCollector {
	seconds := int(longQuery.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	return &PostgresCollector{db: db, longQuerySeconds: seconds}
}

func (p *PostgresCollector) Name() string {
	return "postgres"
}

func (p *PostgresCollector) Collect(ctx context.Context) (map[string]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var connections, blocking, longQueries, avgWait float64
	err := p.db.QueryRow(ctx, sessionStats, p.longQuerySeconds).Scan(&connections, &blocking, &longQueries, &avgWait)
	if err != nil {
		return nil, fmt.Errorf("failed to query session stats: %w", err)
	}

	return map[string]float64{
		"connection_count": connections,
		"blocking_count":   blocking,
		"long_query_count": longQueries,
		"avg_wait":         avgWait,
	}, nil
}

func (p *PostgresCollector) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	if err := p.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}
