// Package incidenttest holds behaviour tests shared by every incident.Store.
package incidenttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namansh70747/sentinel/internal/incident"
)

// RunStoreSuite checks the atomicity and ordering guarantees a Store must give.
// newStore must return an empty store for each call.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) incident.Store) {
	t.Helper()

	t.Run("dedup among active incidents", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, created, err := s.CreateIfAbsent(ctx, newIncident("cpu", "health_cpu"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, incident.StatusDetected, first.Status)

		second, created, err := s.CreateIfAbsent(ctx, newIncident("cpu", "health_cpu"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		_, err = s.CompareAndSwapStatus(ctx, first.ID, incident.StatusDetected, incident.StatusResolved, incident.Stamp{At: time.Now().UTC(), Actor: "test"})
		require.NoError(t, err)

		third, created, err := s.CreateIfAbsent(ctx, newIncident("cpu", "health_cpu"))
		require.NoError(t, err)
		assert.True(t, created, "resolved incident must release its dedup key")
		assert.NotEqual(t, first.ID, third.ID)
	})

	t.Run("escalated incident releases dedup key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, _, err := s.CreateIfAbsent(ctx, newIncident("memory", "health_memory"))
		require.NoError(t, err)
		_, err = s.CompareAndSwapStatus(ctx, first.ID, incident.StatusDetected, incident.StatusEscalated, incident.Stamp{Actor: "test"})
		require.NoError(t, err)

		_, created, err := s.CreateIfAbsent(ctx, newIncident("memory", "health_memory"))
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("concurrent creates with one key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 32
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			ids     = map[int64]struct{}{}
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inc, ok, err := s.CreateIfAbsent(ctx, newIncident("blocking_chain", "health_blocking_chain"))
				assert.NoError(t, err)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if ok {
					created++
				}
				ids[inc.ID] = struct{}{}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		assert.Len(t, ids, 1)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, _, err := s.CreateIfAbsent(ctx, newIncident("cpu", ""))
		require.NoError(t, err)

		at := time.Now().UTC().Truncate(time.Millisecond)
		updated, err := s.CompareAndSwapStatus(ctx, inc.ID, incident.StatusDetected, incident.StatusInvestigating, incident.Stamp{At: at, Actor: "test"})
		require.NoError(t, err)
		assert.Equal(t, incident.StatusInvestigating, updated.Status)
		require.NotNil(t, updated.AcknowledgedAt)
		assert.WithinDuration(t, at, *updated.AcknowledgedAt, time.Millisecond)

		_, err = s.CompareAndSwapStatus(ctx, inc.ID, incident.StatusDetected, incident.StatusResolved, incident.Stamp{Actor: "test"})
		assert.ErrorIs(t, err, incident.ErrConflict)

		by := incident.ResolvedByAuto
		resolved, err := s.CompareAndSwapStatus(ctx, inc.ID, incident.StatusInvestigating, incident.StatusResolved, incident.Stamp{At: at, ResolvedBy: &by, Actor: "test"})
		require.NoError(t, err)
		require.NotNil(t, resolved.ResolvedBy)
		assert.Equal(t, incident.ResolvedByAuto, *resolved.ResolvedBy)
		assert.NotNil(t, resolved.ResolvedAt)

		history, err := s.History(ctx, inc.ID)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, incident.StatusDetected, history[0].To)
		assert.Equal(t, incident.StatusInvestigating, history[1].To)
		assert.Equal(t, incident.StatusResolved, history[2].To)
	})

	t.Run("missing incident", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), 424242)
		assert.ErrorIs(t, err, incident.ErrNotFound)
	})

	t.Run("attempts are append only", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, _, err := s.CreateIfAbsent(ctx, newIncident("cpu", ""))
		require.NoError(t, err)

		for _, ok := range []bool{false, true} {
			require.NoError(t, s.AppendAttempt(ctx, &incident.RemediationAttempt{
				IncidentID: inc.ID,
				ActionName: "restart_deployment",
				ExecutedAt: time.Now().UTC(),
				Success:    ok,
				Detail:     "detail",
			}))
		}

		attempts, err := s.ListAttempts(ctx, inc.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.False(t, attempts[0].Success)
		assert.True(t, attempts[1].Success)

		count, err := s.CountAttempts(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("postmortem is unique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, _, err := s.CreateIfAbsent(ctx, newIncident("cpu", ""))
		require.NoError(t, err)

		pm := &incident.Postmortem{IncidentID: inc.ID, Summary: "first", GeneratedAt: time.Now().UTC()}
		require.NoError(t, s.SavePostmortem(ctx, pm))
		err = s.SavePostmortem(ctx, &incident.Postmortem{IncidentID: inc.ID, Summary: "second", GeneratedAt: time.Now().UTC()})
		assert.ErrorIs(t, err, incident.ErrPostmortemExists)

		got, err := s.GetPostmortem(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Summary)

		all, err := s.ListPostmortems(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

		old := newIncident("cpu", "health_cpu")
		old.DetectedAt = base
		recent := newIncident("memory", "health_memory")
		recent.DetectedAt = base.Add(30 * time.Minute)

		a, _, err := s.CreateIfAbsent(ctx, old)
		require.NoError(t, err)
		b, _, err := s.CreateIfAbsent(ctx, recent)
		require.NoError(t, err)

		all, err := s.List(ctx, incident.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, b.ID, all[0].ID, "newest first")

		stale, err := s.List(ctx, incident.Filter{Statuses: incident.ActiveStatuses, Before: base.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, a.ID, stale[0].ID)

		byType, err := s.List(ctx, incident.Filter{Type: "memory"})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, b.ID, byType[0].ID)

		limited, err := s.List(ctx, incident.Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("resolved incidents missing a postmortem", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		withPM, _, err := s.CreateIfAbsent(ctx, newIncident("cpu", "health_cpu"))
		require.NoError(t, err)
		without, _, err := s.CreateIfAbsent(ctx, newIncident("memory", "health_memory"))
		require.NoError(t, err)
		_, _, err = s.CreateIfAbsent(ctx, newIncident("disk", "health_disk"))
		require.NoError(t, err)

		for _, id := range []int64{withPM.ID, without.ID} {
			_, err := s.CompareAndSwapStatus(ctx, id, incident.StatusDetected, incident.StatusResolved, incident.Stamp{At: time.Now().UTC(), Actor: "test"})
			require.NoError(t, err)
		}
		require.NoError(t, s.SavePostmortem(ctx, &incident.Postmortem{IncidentID: withPM.ID, Summary: "done", GeneratedAt: time.Now().UTC()}))

		missing, err := s.ListMissingPostmortems(ctx, 10)
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, without.ID, missing[0].ID)
	})

	t.Run("absorb counts occurrences", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, _, err := s.CreateIfAbsent(ctx, newIncident("cpu", "health_cpu"))
		require.NoError(t, err)

		seen := time.Now().UTC()
		require.NoError(t, s.Absorb(ctx, inc.ID, seen, 97.5))
		require.NoError(t, s.Absorb(ctx, inc.ID, seen, 98.5))

		got, err := s.Get(ctx, inc.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 3, toFloat(got.Metadata[incident.MetaOccurrences]))
		assert.EqualValues(t, 98.5, toFloat(got.Metadata[incident.MetaLastValue]))
		assert.NotEmpty(t, got.Metadata[incident.MetaLastSeenAt])
	})
}

func newIncident(incidentType, dedupKey string) *incident.Incident {
	inc := &incident.Incident{
		Type:       incidentType,
		Severity:   incident.SeverityCritical,
		Status:     incident.StatusDetected,
		Title:      incidentType + " breach",
		DetectedAt: time.Now().UTC().Truncate(time.Millisecond),
		Metadata:   map[string]any{incident.MetaOccurrences: 1},
	}
	if dedupKey != "" {
		inc.DedupKey = &dedupKey
	}
	return inc
}

// toFloat normalizes numbers that may come back as int or float64 after a
// JSON round trip.
func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
