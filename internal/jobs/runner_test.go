package jobs_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/remediation"
)

type execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

func (f execFunc) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f(ctx, sql, args...)
}

type runLog struct {
	mu   sync.Mutex
	runs []*jobs.Run
}

func (l *runLog) StartRun(_ context.Context, run *jobs.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run.ID = int64(len(l.runs) + 1)
	cp := *run
	l.runs = append(l.runs, &cp)
	return nil
}

func (l *runLog) CompleteRun(_ context.Context, run *jobs.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.runs[run.ID-1] = &cp
	return nil
}

func (l *runLog) ListRuns(_ context.Context, job string, limit int) ([]*jobs.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*jobs.Run
	for _, r := range slices.Backward(l.runs) {
		if job == "" || r.Job == job {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type runnerFixture struct {
	runner  *jobs.Runner
	manager *incident.Manager
	log     *runLog
	failing atomic.Bool
	calls   atomic.Int32
}

func newRunner(t *testing.T, defs ...jobs.Job) *runnerFixture {
	t.Helper()
	f := &runnerFixture{log: &runLog{}}
	f.manager = incident.NewManager(incident.NewMemoryStore(), zap.NewNop(), incident.WithIncidentTypes(jobs.IncidentType))

	db := execFunc(func(ctx context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		f.calls.Add(1)
		if f.failing.Load() {
			return pgconn.CommandTag{}, errors.New(`relation "claims_staging" does not exist`)
		}
		return pgconn.NewCommandTag("DELETE 3"), nil
	})

	if len(defs) == 0 {
		defs = []jobs.Job{{Name: "purge_staging", Schedule: "@every 1m", SQL: "DELETE FROM claims_staging"}}
	}
	r, err := jobs.NewRunner(db, f.log, f.manager, defs, jobs.Config{}, zap.NewNop())
	require.NoError(t, err)
	f.runner = r
	return f
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		expr string
		next time.Time
	}{
		{"@every 30s", base.Add(30 * time.Second)},
		{"@every 5m", base.Add(5 * time.Minute)},
		{"*/15 * * * *", base.Add(15 * time.Minute)},
		{"", base.Add(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := jobs.ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.next, s.Next(base))
		})
	}

	_, err := jobs.ParseSchedule("every tuesday")
	assert.Error(t, err)
}

func TestNewRunner_RejectsBadDefinitions(t *testing.T) {
	_, err := jobs.NewRunner(nil, &runLog{}, nil, []jobs.Job{{Name: "a", Schedule: "bogus", SQL: "SELECT 1"}}, jobs.Config{}, zap.NewNop())
	assert.ErrorContains(t, err, "job a")

	_, err = jobs.NewRunner(nil, &runLog{}, nil, []jobs.Job{
		{Name: "a", SQL: "SELECT 1"},
		{Name: "a", SQL: "SELECT 2"},
	}, jobs.Config{}, zap.NewNop())
	assert.ErrorContains(t, err, "duplicate")
}

func TestRunDue(t *testing.T) {
	f := newRunner(t)
	ctx := context.Background()

	assert.Zero(t, f.runner.RunDue(ctx, time.Now()))
	assert.Equal(t, 1, f.runner.RunDue(ctx, time.Now().Add(2*time.Minute)))
	assert.EqualValues(t, 1, f.calls.Load())

	// next activation moved past the run time
	assert.Zero(t, f.runner.RunDue(ctx, time.Now().Add(2*time.Minute)))

	list := f.runner.List()
	require.Len(t, list, 1)
	assert.Equal(t, jobs.StatusSuccess, list[0].LastStatus)
	assert.NotNil(t, list[0].LastRun)
	assert.False(t, list[0].Running)

	runs, err := f.runner.History(ctx, "purge_staging", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, jobs.TriggerSchedule, runs[0].Trigger)
	assert.EqualValues(t, 3, runs[0].RowsAffected)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestTrigger_FailureReportsIncident(t *testing.T) {
	f := newRunner(t)
	ctx := context.Background()
	f.failing.Store(true)

	run, err := f.runner.Trigger(ctx, "purge_staging", jobs.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "claims_staging")

	open, err := f.manager.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, jobs.IncidentType, open[0].Type)
	assert.Equal(t, "job_purge_staging", *open[0].DedupKey)
	assert.Equal(t, jobs.SourceJobs, open[0].Metadata[incident.MetaSource])

	t.Run("repeated failure is absorbed", func(t *testing.T) {
		_, err := f.runner.Trigger(ctx, "purge_staging", jobs.TriggerManual)
		require.NoError(t, err)

		open, err := f.manager.ListOpen(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestTrigger_Unknown(t *testing.T) {
	f := newRunner(t)

	_, err := f.runner.Trigger(context.Background(), "vacuum_everything", jobs.TriggerManual)
	assert.ErrorIs(t, err, jobs.ErrUnknownJob)

	_, err = f.runner.History(context.Background(), "vacuum_everything", 10)
	assert.ErrorIs(t, err, jobs.ErrUnknownJob)
}

func TestTrigger_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	log := &runLog{}
	db := execFunc(func(ctx context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		close(started)
		<-release
		return pgconn.NewCommandTag("UPDATE 0"), nil
	})
	r, err := jobs.NewRunner(db, log, nil, []jobs.Job{{Name: "slow", SQL: "SELECT pg_sleep(10)"}}, jobs.Config{}, zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Trigger(context.Background(), "slow", jobs.TriggerManual)
	}()
	<-started

	_, err = r.Trigger(context.Background(), "slow", jobs.TriggerManual)
	assert.ErrorIs(t, err, jobs.ErrJobRunning)
	assert.True(t, r.List()[0].Running)

	close(release)
	<-done
	assert.False(t, r.List()[0].Running)
}

func TestExecutor_RestartFailedJob(t *testing.T) {
	f := newRunner(t)
	ctx := context.Background()
	exec := jobs.NewExecutor(f.runner)
	assert.Equal(t, []string{jobs.ActionRestart}, exec.Actions())

	f.failing.Store(true)
	_, err := f.runner.Trigger(ctx, "purge_staging", jobs.TriggerSchedule)
	require.NoError(t, err)
	open, err := f.manager.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	inc := open[0]

	t.Run("still failing", func(t *testing.T) {
		res, err := exec.Run(ctx, remediation.Action{Name: jobs.ActionRestart}, inc)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Detail, "failed again")
	})

	t.Run("job named by incident", func(t *testing.T) {
		f.failing.Store(false)
		res, err := exec.Run(ctx, remediation.Action{Name: jobs.ActionRestart}, inc)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Contains(t, res.Detail, "3 rows")
	})

	t.Run("job named by parameter", func(t *testing.T) {
		res, err := exec.Run(ctx, remediation.Action{Name: jobs.ActionRestart, Params: map[string]string{"job": "purge_staging"}}, &incident.Incident{})
		require.NoError(t, err)
		assert.True(t, res.Success)
	})

	t.Run("no job", func(t *testing.T) {
		_, err := exec.Run(ctx, remediation.Action{Name: jobs.ActionRestart}, &incident.Incident{})
		assert.Error(t, err)
	})

	runs, err := f.runner.History(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	assert.Equal(t, jobs.TriggerRemediation, runs[0].Trigger)
}

func TestExecutor_ResolvesIncidentThroughEngine(t *testing.T) {
	f := newRunner(t)
	ctx := context.Background()

	f.failing.Store(true)
	_, err := f.runner.Trigger(ctx, "purge_staging", jobs.TriggerSchedule)
	require.NoError(t, err)
	open, err := f.manager.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	plan := remediation.NewPlan(map[string]remediation.Action{jobs.IncidentType: {Name: jobs.ActionRestart}})
	engine := remediation.NewEngine(f.manager, plan, remediation.NewRouter(jobs.NewExecutor(f.runner)), remediation.Config{MaxAttempts: 1}, zap.NewNop())

	f.failing.Store(false)
	report, err := engine.Attempt(ctx, open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, remediation.OutcomeResolved, report.Outcome)

	got, err := f.manager.Get(ctx, open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusResolved, got.Status)
}

func TestNameFromDedupKey(t *testing.T) {
	name, ok := jobs.NameFromDedupKey("job_nightly_rollup")
	assert.True(t, ok)
	assert.Equal(t, "nightly_rollup", name)

	_, ok = jobs.NameFromDedupKey("chaos_job_failure")
	assert.False(t, ok)
	_, ok = jobs.NameFromDedupKey("job_")
	assert.False(t, ok)
}
