package api_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/api"
	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/validation"
)

type fakeJobs struct {
	running  map[string]bool
	runs     []*jobs.Run
	lastName string
}

func (f *fakeJobs) List() []jobs.Status {
	return []jobs.Status{{Name: "purge_staging", Schedule: "@every 1h"}}
}

func (f *fakeJobs) History(_ context.Context, name string, limit int) ([]*jobs.Run, error) {
	f.lastName = name
	if name != "" && name != "purge_staging" {
		return nil, fmt.Errorf("%w: %s", jobs.ErrUnknownJob, name)
	}
	return f.runs[:min(limit, len(f.runs))], nil
}

func (f *fakeJobs) Trigger(_ context.Context, name string, trigger jobs.Trigger) (*jobs.Run, error) {
	if name != "purge_staging" {
		return nil, fmt.Errorf("%w: %s", jobs.ErrUnknownJob, name)
	}
	if f.running[name] {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobRunning, name)
	}
	run := &jobs.Run{ID: int64(len(f.runs) + 1), Job: name, Trigger: trigger, Status: jobs.StatusSuccess, RowsAffected: 12}
	f.runs = append(f.runs, run)
	return run, nil
}

type fakeValidator struct {
	results []*validation.Result
}

func (f *fakeValidator) Rules() []validation.Rule {
	return []validation.Rule{{Name: "member_not_null", Type: validation.RuleNullCheck, Table: "claims", Column: "member_id"}}
}

func (f *fakeValidator) RunAll(context.Context) validation.Summary {
	res := &validation.Result{Rule: "member_not_null", Passed: false, Violations: 2, Severity: health.SeverityCritical}
	f.results = append(f.results, res)
	return validation.Summary{Total: 1, Failed: 1, Results: []*validation.Result{res}}
}

func (f *fakeValidator) RunRule(_ context.Context, name string) (*validation.Result, error) {
	if name != "member_not_null" {
		return nil, fmt.Errorf("%w: %s", validation.ErrUnknownRule, name)
	}
	res := &validation.Result{Rule: name, Passed: true}
	f.results = append(f.results, res)
	return res, nil
}

func (f *fakeValidator) Results(_ context.Context, limit int) ([]*validation.Result, error) {
	return f.results[:min(limit, len(f.results))], nil
}

func (f *fakeValidator) Scorecard(context.Context) (validation.Scorecard, error) {
	return validation.Scorecard{TotalRules: 1, Failed: 1, CriticalFailures: 1, Rules: f.results}, nil
}

func newDataFixture(t *testing.T) (*fixture, *fakeJobs, *fakeValidator) {
	t.Helper()
	fj := &fakeJobs{running: map[string]bool{}}
	fv := &fakeValidator{}
	f := &fixture{manager: incident.NewManager(incident.NewMemoryStore(), zap.NewNop())}
	f.router = api.NewRouter(api.Deps{
		Manager:    f.manager,
		Jobs:       fj,
		Validation: fv,
	}, api.Config{}, zap.NewNop())
	return f, fj, fv
}

func TestJobsRoutes(t *testing.T) {
	f, fj, _ := newDataFixture(t)

	t.Run("list", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/jobs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[struct {
			Jobs  []jobs.Status `json:"jobs"`
			Count int           `json:"count"`
		}](t, w)
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, "purge_staging", body.Jobs[0].Name)
	})

	t.Run("trigger", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/jobs/purge_staging/trigger", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		run := decode[jobs.Run](t, w)
		assert.Equal(t, jobs.TriggerManual, run.Trigger)
		assert.EqualValues(t, 12, run.RowsAffected)
	})

	t.Run("trigger unknown job", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/jobs/vacuum_everything/trigger", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("trigger running job", func(t *testing.T) {
		fj.running["purge_staging"] = true
		defer delete(fj.running, "purge_staging")
		w := f.do(t, http.MethodPost, "/api/v1/jobs/purge_staging/trigger", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("history", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/api/v1/jobs/purge_staging/history?limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "purge_staging", fj.lastName)

		w = f.do(t, http.MethodGet, "/api/v1/jobs/history?job_name=purge_staging", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "purge_staging", fj.lastName)

		w = f.do(t, http.MethodGet, "/api/v1/jobs/history", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, fj.lastName)

		w = f.do(t, http.MethodGet, "/api/v1/jobs/nope/history", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = f.do(t, http.MethodGet, "/api/v1/jobs/history?limit=1000", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidationRoutes(t *testing.T) {
	f, _, _ := newDataFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/validation/rules", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/validation/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[validation.Summary](t, w)
	assert.Equal(t, 1, summary.Failed)
	assert.EqualValues(t, 2, summary.Results[0].Violations)

	w = f.do(t, http.MethodPost, "/api/v1/validation/run?rule=member_not_null", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[validation.Result](t, w).Passed)

	w = f.do(t, http.MethodPost, "/api/v1/validation/run?rule=nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/validation/results?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 1, results.Count)

	w = f.do(t, http.MethodGet, "/api/v1/validation/scorecard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sc := decode[validation.Scorecard](t, w)
	assert.Equal(t, 1, sc.CriticalFailures)
}

func TestDataRoutesAbsentWhenDisabled(t *testing.T) {
	f := &fixture{manager: incident.NewManager(incident.NewMemoryStore(), zap.NewNop())}
	f.router = api.NewRouter(api.Deps{Manager: f.manager}, api.Config{}, zap.NewNop())

	for _, path := range []string{"/api/v1/jobs", "/api/v1/validation/scorecard"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
