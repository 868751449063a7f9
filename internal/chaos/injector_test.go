package chaos_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/chaos"
	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
)

type countingObserver struct{ n atomic.Int32 }

func (o *countingObserver) ChaosTriggered(string) { o.n.Add(1) }

func newInjector(t *testing.T, scenarios []chaos.Scenario, cooldown time.Duration) (*chaos.Injector, *incident.Manager) {
	t.Helper()
	types := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		types = append(types, s.Type())
	}
	m := incident.NewManager(incident.NewMemoryStore(), zap.NewNop(), incident.WithIncidentTypes(types...))
	return chaos.NewInjector(m, scenarios, cooldown, zap.NewNop()), m
}

func TestTrigger_CreatesIncident(t *testing.T) {
	inj, m := newInjector(t, chaos.DefaultScenarios(), time.Minute)
	obs := &countingObserver{}
	inj.SetObserver(obs)

	out, err := inj.Trigger(context.Background(), "deadlock")
	require.NoError(t, err)
	assert.True(t, out.Created)

	inc, err := m.Get(context.Background(), out.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, "chaos:deadlock", inc.Type)
	assert.Equal(t, incident.SeverityCritical, inc.Severity)
	assert.Equal(t, "chaos_deadlock", *inc.DedupKey)
	assert.Equal(t, chaos.SourceChaos, inc.Metadata[incident.MetaSource])
	assert.EqualValues(t, 1, obs.n.Load())
}

func TestTrigger_Unknown(t *testing.T) {
	inj, _ := newInjector(t, chaos.DefaultScenarios(), time.Minute)

	_, err := inj.Trigger(context.Background(), "meteor_strike")
	assert.ErrorIs(t, err, chaos.ErrUnknownScenario)
}

func TestTrigger_Cooldown(t *testing.T) {
	inj, _ := newInjector(t, chaos.DefaultScenarios(), time.Minute)
	ctx := context.Background()

	_, err := inj.Trigger(ctx, "job_failure")
	require.NoError(t, err)

	_, err = inj.Trigger(ctx, "job_failure")
	assert.ErrorIs(t, err, chaos.ErrOnCooldown)

	for _, s := range inj.List() {
		if s.Name == "job_failure" {
			assert.True(t, s.OnCooldown)
			assert.Greater(t, s.CooldownRemaining, 0)
		} else {
			assert.False(t, s.OnCooldown, s.Name)
		}
	}
}

func TestTrigger_CooldownExpires(t *testing.T) {
	scenarios := []chaos.Scenario{{Name: "spike", Severity: health.SeverityWarning, Metric: "rps", Value: 10}}
	inj, _ := newInjector(t, scenarios, 50*time.Millisecond)
	ctx := context.Background()

	first, err := inj.Trigger(ctx, "spike")
	require.NoError(t, err)

	var second chaos.Outcome
	require.Eventually(t, func() bool {
		out, err := inj.Trigger(ctx, "spike")
		if err != nil {
			return false
		}
		second = out
		return true
	}, 2*time.Second, 20*time.Millisecond)

	// The first incident is still open, so the second trigger is absorbed.
	assert.False(t, second.Created)
	assert.Equal(t, first.IncidentID, second.IncidentID)
}

func TestTriggerRandom_AllOnCooldown(t *testing.T) {
	scenarios := []chaos.Scenario{
		{Name: "a", Severity: health.SeverityWarning},
		{Name: "b", Severity: health.SeverityCritical},
	}
	inj, _ := newInjector(t, scenarios, time.Minute)
	ctx := context.Background()

	seen := map[string]bool{}
	for range 2 {
		out, err := inj.TriggerRandom(ctx)
		require.NoError(t, err)
		seen[out.Scenario] = true
	}
	assert.Len(t, seen, 2)

	_, err := inj.TriggerRandom(ctx)
	assert.ErrorIs(t, err, chaos.ErrAllOnCooldown)
}

func TestTrigger_Effect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		hits.Add(1)
	}))
	defer srv.Close()

	scenarios := []chaos.Scenario{{Name: "cpu", Severity: health.SeverityCritical, Metric: "cpu_percent", Value: 99, EffectURL: srv.URL}}
	inj, _ := newInjector(t, scenarios, time.Minute)

	_, err := inj.Trigger(context.Background(), "cpu")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestTypes(t *testing.T) {
	inj, _ := newInjector(t, chaos.DefaultScenarios(), time.Minute)
	types := inj.Types()
	assert.Len(t, types, 9)
	assert.Contains(t, types, "chaos:connection_flood")
}
