package remediation

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRow struct {
	n   int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int64)) = r.n
	return nil
}

type fakeSessionDB struct {
	count    int64
	err      error
	queries  []string
	args     [][]any
	affected int64
}

func (f *fakeSessionDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	return fakeRow{n: f.count, err: f.err}
}

func (f *fakeSessionDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func TestPostgresExecutor_Sessions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		action   Action
		wantArgs []any
		detail   string
	}{
		{
			action:   Action{Name: "cleanup_stale_sessions", Params: map[string]string{"idle_minutes": "5"}},
			wantArgs: []any{5},
			detail:   "terminated 3 sessions idle for more than 5 minutes",
		},
		{
			action:   Action{Name: "kill_blocking_sessions"},
			wantArgs: nil,
			detail:   "terminated 3 blocking sessions",
		},
		{
			action:   Action{Name: "cancel_long_queries"},
			wantArgs: []any{300},
			detail:   "cancelled 3 queries running longer than 300s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.action.Name, func(t *testing.T) {
			db := &fakeSessionDB{count: 3}
			exec := NewPostgresExecutor(db, zap.NewNop())

			res, err := exec.Run(ctx, tt.action, nil)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.detail, res.Detail)
			require.Len(t, db.args, 1)
			assert.Equal(t, tt.wantArgs, nilIfEmpty(db.args[0]))
		})
	}
}

func nilIfEmpty(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	return args
}

func TestPostgresExecutor_Errors(t *testing.T) {
	db := &fakeSessionDB{err: errors.New("connection refused")}
	exec := NewPostgresExecutor(db, zap.NewNop())

	_, err := exec.Run(context.Background(), Action{Name: "kill_blocking_sessions"}, nil)
	assert.ErrorContains(t, err, "connection refused")

	_, err = exec.Run(context.Background(), Action{Name: "vacuum"}, nil)
	assert.Error(t, err)
}

func TestPostgresExecutor_Quarantine(t *testing.T) {
	db := &fakeSessionDB{}
	exec := NewPostgresExecutor(db, zap.NewNop())

	res, err := exec.Run(context.Background(), Action{Name: "quarantine_rows", Params: map[string]string{
		"table":  "pharmacy_claims",
		"column": "claim_status",
		"value":  "rejected",
	}}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, db.queries, 1)
	assert.Equal(t, `UPDATE "pharmacy_claims" SET "claim_status" = $1 WHERE "claim_status" = $2`, db.queries[0])
	assert.Equal(t, []any{"quarantined", "rejected"}, db.args[0])

	_, err = exec.Run(context.Background(), Action{Name: "quarantine_rows"}, nil)
	assert.Error(t, err)
}
