package incident_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
)

type recordingSink struct {
	mu     sync.Mutex
	events []incident.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, e incident.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) kinds() []incident.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]incident.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, opts ...incident.Option) (*incident.Manager, *incident.MemoryStore, *fixedClock) {
	t.Helper()
	clock := &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := incident.NewMemoryStore()
	opts = append([]incident.Option{incident.WithClock(clock.Now)}, opts...)
	return incident.NewManager(store, zap.NewNop(), opts...), store, clock
}

func cpuBreach(value float64) health.BreachEvent {
	sample := health.NewSample(time.Time{}, map[string]float64{"cpu_percent": value})
	events := health.Evaluate(sample, []health.ThresholdRule{
		{Metric: "cpu_percent", Type: "cpu", Warning: health.Float(70), Critical: health.Float(90)},
	})
	if len(events) != 1 {
		panic("expected one breach")
	}
	return events[0]
}

func TestReportBreach_CreatesThenAbsorbs(t *testing.T) {
	sink := &recordingSink{}
	m, _, clock := newManager(t, incident.WithEventSink(sink))
	ctx := context.Background()

	inc, created, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, incident.StatusDetected, inc.Status)
	assert.Equal(t, incident.SeverityCritical, inc.Severity)
	require.NotNil(t, inc.DedupKey)
	assert.Equal(t, "health_cpu", *inc.DedupKey)
	assert.Equal(t, "Critical: cpu_percent = 95.00 (threshold: 90.00)", inc.Title)

	clock.Advance(10 * time.Second)
	again, created, err := m.ReportBreach(ctx, cpuBreach(96))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inc.ID, again.ID)

	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Metadata[incident.MetaOccurrences])
	assert.Equal(t, 96.0, got.Metadata[incident.MetaLastValue])

	open, err := m.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Equal(t, []incident.EventKind{incident.EventCreated}, sink.kinds())
}

func TestReportBreach_ConcurrentSameKey(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := m.ReportBreach(ctx, cpuBreach(95))
			assert.NoError(t, err)
			results <- created
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for ok := range results {
		if ok {
			created++
		}
	}
	assert.Equal(t, 1, created)

	all, err := store.List(ctx, incident.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, n, all[0].Metadata[incident.MetaOccurrences])
}

func TestReportBreach_ConfigurationErrors(t *testing.T) {
	m, _, _ := newManager(t, incident.WithIncidentTypes("cpu", "memory"))
	ctx := context.Background()

	_, _, err := m.ReportBreach(ctx, health.BreachEvent{Metric: "cpu_percent", Severity: health.SeverityCritical})
	assert.ErrorIs(t, err, incident.ErrConfiguration)

	_, _, err = m.ReportBreach(ctx, health.BreachEvent{Metric: "disk", Type: "disk", Severity: health.SeverityWarning})
	assert.ErrorIs(t, err, incident.ErrConfiguration)

	var cfgErr *incident.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Reason, "disk")

	_, created, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTransition_Rules(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	inc, _, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)

	inv, err := m.Transition(ctx, inc.ID, incident.StatusInvestigating, incident.TransitionOptions{})
	require.NoError(t, err)
	require.NotNil(t, inv.AcknowledgedAt)

	esc, err := m.Transition(ctx, inc.ID, incident.StatusEscalated, incident.TransitionOptions{Actor: incident.ActorEscalation})
	require.NoError(t, err)
	assert.Equal(t, incident.StatusEscalated, esc.Status)

	again, err := m.Transition(ctx, inc.ID, incident.StatusEscalated, incident.TransitionOptions{})
	require.NoError(t, err, "escalating twice is a no-op")
	assert.Equal(t, incident.StatusEscalated, again.Status)

	_, err = m.Transition(ctx, inc.ID, incident.StatusInvestigating, incident.TransitionOptions{})
	assert.ErrorIs(t, err, incident.ErrInvalidTransition)

	resolved, err := m.Transition(ctx, inc.ID, incident.StatusResolved, incident.TransitionOptions{})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, incident.ResolvedByManual, *resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	for _, to := range []incident.Status{incident.StatusDetected, incident.StatusInvestigating, incident.StatusRemediating, incident.StatusEscalated, incident.StatusResolved} {
		_, err := m.Transition(ctx, inc.ID, to, incident.TransitionOptions{})
		var te *incident.TransitionError
		require.ErrorAs(t, err, &te, "resolved -> %s", to)
		assert.Equal(t, incident.StatusResolved, te.From)
	}

	_, err = m.Transition(ctx, inc.ID, incident.Status("bogus"), incident.TransitionOptions{})
	assert.ErrorIs(t, err, incident.ErrInvalidTransition)

	_, err = m.Transition(ctx, 9999, incident.StatusResolved, incident.TransitionOptions{})
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestTransition_ConcurrentResolveSinglePostmortem(t *testing.T) {
	sink := &recordingSink{}
	m, _, _ := newManager(t, incident.WithEventSink(sink))
	ctx := context.Background()

	inc, _, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := incident.StatusResolved
			if i%3 == 0 {
				to = incident.StatusEscalated
			}
			_, err := m.Transition(ctx, inc.ID, to, incident.TransitionOptions{ResolvedBy: incident.ResolvedByAuto})
			if err == nil && to == incident.StatusResolved {
				mu.Lock()
				successes++
				mu.Unlock()
			}
			if err != nil {
				assert.ErrorIs(t, err, incident.ErrInvalidTransition)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)

	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusResolved, got.Status)

	pms, err := m.Postmortems(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pms, 1)

	history, err := m.History(ctx, inc.ID)
	require.NoError(t, err)
	path := make([]incident.Status, 0, len(history))
	for _, h := range history {
		path = append(path, h.To)
	}
	assert.True(t, incident.ValidPath(path), "path %v", path)
	assert.Equal(t, incident.StatusResolved, path[len(path)-1])
}

func TestTransition_PostmortemContent(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	inc, _, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = m.Transition(ctx, inc.ID, incident.StatusRemediating, incident.TransitionOptions{Actor: incident.ActorRemediation})
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, m.RecordAttempt(ctx, &incident.RemediationAttempt{
		IncidentID: inc.ID,
		ActionName: "restart_deployment",
		Success:    true,
		Detail:     "restarted",
	}))

	clock.Advance(time.Second)
	_, err = m.Transition(ctx, inc.ID, incident.StatusResolved, incident.TransitionOptions{ResolvedBy: incident.ResolvedByAuto, Actor: incident.ActorRemediation})
	require.NoError(t, err)

	pm, err := m.Postmortem(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Investigation required", pm.RootCause)
	require.Len(t, pm.Remediation, 1)
	assert.Equal(t, "restart_deployment", pm.Remediation[0].Action)

	events := make([]string, 0, len(pm.Timeline))
	for _, e := range pm.Timeline {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{
		"Incident detected",
		"Remediation started",
		"Remediation restart_deployment succeeded",
		"Resolved by auto",
	}, events)
}

func TestManager_ReconcileStuck(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	inc, _, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, incident.StatusRemediating, incident.TransitionOptions{})
	require.NoError(t, err)

	n, err := m.ReconcileStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusInvestigating, got.Status)

	history, err := m.History(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.ActorReconcile, history[len(history)-1].Actor)
}

// flakyPostmortemStore fails the first n postmortem saves.
type flakyPostmortemStore struct {
	*incident.MemoryStore
	failures atomic.Int32
}

func (s *flakyPostmortemStore) SavePostmortem(ctx context.Context, pm *incident.Postmortem) error {
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.SavePostmortem(ctx, pm)
}

func TestManager_ReconcilePostmortems(t *testing.T) {
	store := &flakyPostmortemStore{MemoryStore: incident.NewMemoryStore()}
	store.failures.Store(1)
	m := incident.NewManager(store, zap.NewNop())
	ctx := context.Background()

	inc, _, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)
	_, err = m.Transition(ctx, inc.ID, incident.StatusResolved, incident.TransitionOptions{ResolvedBy: incident.ResolvedByManual})
	require.NoError(t, err)

	_, err = m.Postmortem(ctx, inc.ID)
	require.ErrorIs(t, err, incident.ErrNotFound)

	n, err := m.ReconcilePostmortems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pm, err := m.Postmortem(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, pm.IncidentID)

	n, err = m.ReconcilePostmortems(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_CreateManual(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	m, _, _ := newManager(t, incident.WithEventSink(sink))
	ctx := context.Background()

	inc, created, err := m.Create(ctx, incident.NewIncident{
		Type:        "data_quality",
		Severity:    incident.SeverityInfo,
		Description: "duplicate claims observed",
	})
	require.NoError(t, err, "publish failures are not returned")
	assert.True(t, created)
	assert.Nil(t, inc.DedupKey)
	assert.Equal(t, "data_quality", inc.Title)

	_, _, err = m.Create(ctx, incident.NewIncident{Type: "x", Severity: "urgent"})
	assert.ErrorIs(t, err, incident.ErrConfiguration)
}

func TestManager_ListStale(t *testing.T) {
	m, _, clock := newManager(t)
	ctx := context.Background()

	old, _, err := m.ReportBreach(ctx, cpuBreach(95))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, _, err = m.Create(ctx, incident.NewIncident{Type: "memory", Severity: incident.SeverityWarning})
	require.NoError(t, err)

	stale, err := m.ListStale(ctx, clock.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}
