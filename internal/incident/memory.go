package incident

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	xsync "github.com/puzpuzpuz/xsync/v4"
)

type record struct {
	mu         sync.Mutex
	inc        *Incident
	attempts   []*RemediationAttempt
	history    []*StatusChange
	postmortem *Postmortem
}

// MemoryStore is a Store kept in process memory. Dedup check-and-create is
// serialized per dedup key and status changes per incident record.
type MemoryStore struct {
	incidents *xsync.Map[int64, *record]
	keyLocks  *xsync.Map[string, *sync.Mutex]
	active    *xsync.Map[string, int64]

	nextIncident   atomic.Int64
	nextAttempt    atomic.Int64
	nextPostmortem atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: xsync.NewMap[int64, *record](),
		keyLocks:  xsync.NewMap[string, *sync.Mutex](),
		active:    xsync.NewMap[string, int64](),
	}
}

func (s *MemoryStore) keyLock(key string) *sync.Mutex {
	mu, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return mu
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, inc *Incident) (*Incident, bool, error) {
	if inc.DedupKey == nil {
		return s.insert(inc), true, nil
	}

	key := *inc.DedupKey
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	// The index may point at an incident that has since left the active
	// statuses; the record's own status is authoritative.
	if id, ok := s.active.Load(key); ok {
		if rec, ok := s.incidents.Load(id); ok {
			rec.mu.Lock()
			existing := rec.inc.Clone()
			rec.mu.Unlock()
			if existing.Status.Active() {
				return existing, false, nil
			}
		}
	}

	stored := s.insert(inc)
	s.active.Store(key, stored.ID)
	return stored, true, nil
}

func (s *MemoryStore) insert(inc *Incident) *Incident {
	c := inc.Clone()
	c.ID = s.nextIncident.Add(1)
	if c.Status == "" {
		c.Status = StatusDetected
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}

	rec := &record{
		inc: c,
		history: []*StatusChange{{
			IncidentID: c.ID,
			To:         c.Status,
			At:         c.DetectedAt,
			Actor:      ActorMonitor,
		}},
	}
	s.incidents.Store(c.ID, rec)
	return c.Clone()
}

func (s *MemoryStore) load(id int64) (*record, error) {
	rec, ok := s.incidents.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Absorb(_ context.Context, id int64, seenAt time.Time, value float64) error {
	rec, err := s.load(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.inc.Metadata == nil {
		rec.inc.Metadata = map[string]any{}
	}
	occurrences, _ := rec.inc.Metadata[MetaOccurrences].(int)
	if occurrences == 0 {
		occurrences = 1
	}
	rec.inc.Metadata[MetaOccurrences] = occurrences + 1
	rec.inc.Metadata[MetaLastSeenAt] = seenAt.UTC().Format(time.RFC3339Nano)
	rec.inc.Metadata[MetaLastValue] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Incident, error) {
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.inc.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Incident, error) {
	var out []*Incident
	s.incidents.Range(func(_ int64, rec *record) bool {
		rec.mu.Lock()
		inc := rec.inc.Clone()
		rec.mu.Unlock()
		if matches(inc, filter) {
			out = append(out, inc)
		}
		return true
	})

	slices.SortFunc(out, func(a, b *Incident) int {
		if c := b.DetectedAt.Compare(a.DetectedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(inc *Incident, f Filter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, inc.Status) {
		return false
	}
	if f.Type != "" && inc.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && inc.DetectedAt.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() && !inc.DetectedAt.Before(f.Before) {
		return false
	}
	return true
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id int64, from, to Status, stamp Stamp) (*Incident, error) {
	rec, err := s.load(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.inc.Status != from {
		return nil, ErrConflict
	}

	at := stamp.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	rec.inc.Status = to
	switch to {
	case StatusInvestigating:
		if rec.inc.AcknowledgedAt == nil {
			rec.inc.AcknowledgedAt = &at
		}
	case StatusResolved:
		rec.inc.ResolvedAt = &at
		rec.inc.ResolvedBy = clonePtr(stamp.ResolvedBy)
	}

	rec.history = append(rec.history, &StatusChange{
		IncidentID: id,
		From:       from,
		To:         to,
		At:         at,
		Actor:      stamp.Actor,
	})

	return rec.inc.Clone(), nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, attempt *RemediationAttempt) error {
	rec, err := s.load(attempt.IncidentID)
	if err != nil {
		return err
	}
	a := *attempt
	a.ID = s.nextAttempt.Add(1)
	attempt.ID = a.ID

	rec.mu.Lock()
	rec.attempts = append(rec.attempts, &a)
	rec.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, incidentID int64) ([]*RemediationAttempt, error) {
	rec, err := s.load(incidentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]*RemediationAttempt, 0, len(rec.attempts))
	for _, a := range rec.attempts {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) CountAttempts(_ context.Context, incidentID int64) (int, error) {
	rec, err := s.load(incidentID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.attempts), nil
}

func (s *MemoryStore) History(_ context.Context, incidentID int64) ([]*StatusChange, error) {
	rec, err := s.load(incidentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]*StatusChange, 0, len(rec.history))
	for _, h := range rec.history {
		c := *h
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) SavePostmortem(_ context.Context, pm *Postmortem) error {
	rec, err := s.load(pm.IncidentID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.postmortem != nil {
		return ErrPostmortemExists
	}
	c := *pm
	c.ID = s.nextPostmortem.Add(1)
	c.Timeline = slices.Clone(pm.Timeline)
	c.Remediation = slices.Clone(pm.Remediation)
	pm.ID = c.ID
	rec.postmortem = &c
	return nil
}

func (s *MemoryStore) GetPostmortem(_ context.Context, incidentID int64) (*Postmortem, error) {
	rec, err := s.load(incidentID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.postmortem == nil {
		return nil, ErrNotFound
	}
	c := *rec.postmortem
	return &c, nil
}

func (s *MemoryStore) ListPostmortems(_ context.Context, limit int) ([]*Postmortem, error) {
	var out []*Postmortem
	s.incidents.Range(func(_ int64, rec *record) bool {
		rec.mu.Lock()
		if rec.postmortem != nil {
			c := *rec.postmortem
			out = append(out, &c)
		}
		rec.mu.Unlock()
		return true
	})

	slices.SortFunc(out, func(a, b *Postmortem) int {
		if c := b.GeneratedAt.Compare(a.GeneratedAt); c != 0 {
			return c
		}
		return int(b.ID - a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListMissingPostmortems(_ context.Context, limit int) ([]*Incident, error) {
	var out []*Incident
	s.incidents.Range(func(_ int64, rec *record) bool {
		rec.mu.Lock()
		if rec.inc.Status == StatusResolved && rec.postmortem == nil {
			out = append(out, rec.inc.Clone())
		}
		rec.mu.Unlock()
		return true
	})

	slices.SortFunc(out, func(a, b *Incident) int {
		return int(a.ID - b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Health(context.Context) error {
	return nil
}
