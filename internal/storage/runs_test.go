package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/validation"
)

var (
	_ jobs.RunStore          = (*PostgresClient)(nil)
	_ validation.ResultStore = (*PostgresClient)(nil)
)

func TestJobRuns(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	for i, name := range []string{"purge_staging", "refresh_rollups", "purge_staging"} {
		run := &jobs.Run{Job: name, Trigger: jobs.TriggerSchedule, Status: jobs.StatusRunning, StartedAt: start.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, client.StartRun(ctx, run))
		require.NotZero(t, run.ID)

		done := run.StartedAt.Add(time.Second)
		run.CompletedAt = &done
		run.Status = jobs.StatusSuccess
		run.RowsAffected = int64(i)
		if i == 2 {
			run.Status = jobs.StatusFailed
			run.Error = "deadlock detected"
		}
		require.NoError(t, client.CompleteRun(ctx, run))
	}

	t.Run("by job, newest first", func(t *testing.T) {
		runs, err := client.ListRuns(ctx, "purge_staging", 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, jobs.StatusFailed, runs[0].Status)
		assert.Equal(t, "deadlock detected", runs[0].Error)
		assert.Equal(t, jobs.StatusSuccess, runs[1].Status)
		require.NotNil(t, runs[1].CompletedAt)
	})

	t.Run("all jobs with limit", func(t *testing.T) {
		runs, err := client.ListRuns(ctx, "", 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "purge_staging", runs[0].Job)
		assert.Equal(t, "refresh_rollups", runs[1].Job)
	})
}

func TestValidationResults(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	save := func(rule string, passed bool, offset time.Duration) {
		r := &validation.Result{
			Rule:       rule,
			Type:       validation.RuleNullCheck,
			Table:      "claims",
			Column:     "member_id",
			Severity:   health.SeverityCritical,
			Passed:     passed,
			Samples:    []string{`{"id":1}`},
			ExecutedAt: at.Add(offset),
		}
		require.NoError(t, client.SaveResult(ctx, r))
		require.NotZero(t, r.ID)
	}
	save("member_not_null", false, 0)
	save("member_not_null", true, time.Minute)
	save("amount_range", false, 0)

	latest, err := client.LatestResults(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "amount_range", latest[0].Rule)
	assert.Equal(t, "member_not_null", latest[1].Rule)
	assert.True(t, latest[1].Passed)
	assert.Equal(t, []string{`{"id":1}`}, latest[1].Samples)

	recent, err := client.ListResults(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Passed)
}
