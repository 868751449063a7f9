package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
)

// maxCASRetries bounds how often Transition re-reads and re-validates after
// losing a compare-and-swap race.
const maxCASRetries = 5

// reconcileBatch bounds one ReconcilePostmortems pass.
const reconcileBatch = 50

// Manager owns incident creation, deduplication and status transitions.
// All writes go through the Store's atomic operations.
type Manager struct {
	store     Store
	generator PostmortemGenerator
	sink      EventSink
	observer  Observer
	types     map[string]struct{}
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Manager)

func WithPostmortemGenerator(g PostmortemGenerator) Option {
	return func(m *Manager) { m.generator = g }
}

func WithEventSink(s EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIncidentTypes registers the breach types the Manager accepts. With no
// registered types every non-empty type is accepted.
func WithIncidentTypes(types ...string) Option {
	return func(m *Manager) {
		for _, t := range types {
			m.types[t] = struct{}{}
		}
	}
}

func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		generator: TemplateGenerator{},
		sink:      nopSink{},
		observer:  nopObserver{},
		types:     map[string]struct{}{},
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying store for read-only reporting queries.
func (m *Manager) Store() Store {
	return m.store
}

// ReportBreach creates a DETECTED incident for the event unless an active
// incident already holds its dedup key, in which case the breach is absorbed
// into that incident and created is false.
func (m *Manager) ReportBreach(ctx context.Context, event health.BreachEvent) (*Incident, bool, error) {
	if strings.TrimSpace(event.Type) == "" {
		return nil, false, configErrorf("breach on metric %q has no incident type", event.Metric)
	}
	if len(m.types) > 0 {
		if _, ok := m.types[event.Type]; !ok {
			return nil, false, configErrorf("incident type %q is not registered", event.Type)
		}
	}
	severity := Severity(event.Severity)
	if !severity.Valid() {
		return nil, false, configErrorf("breach on %q has invalid severity %q", event.Type, event.Severity)
	}

	key := event.DedupKey
	if key == "" {
		key = health.DedupKeyFor(event.Type)
	}

	now := m.now()
	detected := event.Detected
	if detected.IsZero() {
		detected = now
	}

	inc := &Incident{
		Type:       event.Type,
		Severity:   severity,
		Status:     StatusDetected,
		Title:      breachTitle(event),
		DetectedAt: detected,
		DedupKey:   &key,
		Metadata: map[string]any{
			MetaMetric:      event.Metric,
			MetaThreshold:   event.Threshold,
			MetaLastValue:   event.Value,
			MetaSource:      event.Source,
			MetaOccurrences: 1,
			MetaLastSeenAt:  detected.Format(time.RFC3339Nano),
		},
	}

	stored, created, err := m.store.CreateIfAbsent(ctx, inc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to report breach %s: %w", key, err)
	}

	if !created {
		if err := m.store.Absorb(ctx, stored.ID, now, event.Value); err != nil {
			m.logger.Warn("Failed to record absorbed breach",
				zap.Int64("incident_id", stored.ID),
				zap.Error(err),
			)
		}
		m.observer.BreachAbsorbed(stored)
		m.logger.Debug("Breach absorbed by open incident",
			zap.Int64("incident_id", stored.ID),
			zap.String("dedup_key", key),
		)
		return stored, false, nil
	}

	m.observer.IncidentCreated(stored)
	m.publish(ctx, EventCreated, stored, "")
	m.logger.Info("Incident created",
		zap.Int64("incident_id", stored.ID),
		zap.String("type", stored.Type),
		zap.String("severity", string(stored.Severity)),
		zap.String("dedup_key", key),
	)
	return stored, true, nil
}

func breachTitle(e health.BreachEvent) string {
	label := strings.ToUpper(string(e.Severity[:1])) + string(e.Severity[1:])
	return fmt.Sprintf("%s: %s = %.2f (threshold: %.2f)", label, e.Metric, e.Value, e.Threshold)
}

// NewIncident is a manually opened incident.
type NewIncident struct {
	Type        string
	Severity    Severity
	Title       string
	Description string
	DedupKey    string
	Metadata    map[string]any
}

// Create opens an incident on behalf of an operator. A dedup key is optional;
// when given it is honoured like any breach.
func (m *Manager) Create(ctx context.Context, n NewIncident) (*Incident, bool, error) {
	if strings.TrimSpace(n.Type) == "" {
		return nil, false, configErrorf("incident type is required")
	}
	if !n.Severity.Valid() {
		return nil, false, configErrorf("invalid severity %q", n.Severity)
	}

	inc := &Incident{
		Type:        n.Type,
		Severity:    n.Severity,
		Status:      StatusDetected,
		Title:       n.Title,
		Description: n.Description,
		DetectedAt:  m.now(),
		Metadata:    n.Metadata,
	}
	if inc.Title == "" {
		inc.Title = n.Type
	}
	if n.DedupKey != "" {
		key := n.DedupKey
		inc.DedupKey = &key
	}

	stored, created, err := m.store.CreateIfAbsent(ctx, inc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create incident: %w", err)
	}
	if created {
		m.observer.IncidentCreated(stored)
		m.publish(ctx, EventCreated, stored, "")
	}
	return stored, created, nil
}

// TransitionOptions carries the optional fields of a status change.
type TransitionOptions struct {
	ResolvedBy ResolvedBy
	Actor      string
}

// Transition moves an incident to the target status. Lost CAS races are
// retried against the freshly read status, so RESOLVED stays terminal no
// matter how calls interleave. Escalating an escalated incident is a no-op.
func (m *Manager) Transition(ctx context.Context, id int64, to Status, opts TransitionOptions) (*Incident, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == StatusEscalated && to == StatusEscalated {
			return cur, nil
		}

		updated, err := m.CompareAndTransition(ctx, id, cur.Status, to, opts)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("incident %d: %w after %d retries", id, ErrConflict, maxCASRetries)
}

// CompareAndTransition performs a single validated from → to swap. It
// returns ErrConflict if the incident is no longer in from.
func (m *Manager) CompareAndTransition(ctx context.Context, id int64, from, to Status, opts TransitionOptions) (*Incident, error) {
	if !CanTransition(from, to) {
		return nil, &TransitionError{ID: id, From: from, To: to}
	}
	if from == StatusEscalated && to == StatusEscalated {
		return m.store.Get(ctx, id)
	}

	stamp := Stamp{At: m.now(), Actor: opts.Actor}
	if stamp.Actor == "" {
		stamp.Actor = ActorAPI
	}
	if to == StatusResolved {
		by := opts.ResolvedBy
		if by == "" {
			by = ResolvedByManual
		}
		stamp.ResolvedBy = &by
	}

	updated, err := m.store.CompareAndSwapStatus(ctx, id, from, to, stamp)
	if err != nil {
		return nil, err
	}

	m.afterTransition(ctx, from, updated)
	return updated, nil
}

func (m *Manager) afterTransition(ctx context.Context, from Status, inc *Incident) {
	m.observer.StatusChanged(inc, from)
	m.logger.Info("Incident status changed",
		zap.Int64("incident_id", inc.ID),
		zap.String("from", string(from)),
		zap.String("to", string(inc.Status)),
	)

	switch inc.Status {
	case StatusResolved:
		m.generatePostmortem(ctx, inc)
		m.publish(ctx, EventResolved, inc, from)
	case StatusEscalated:
		m.publish(ctx, EventEscalated, inc, from)
	default:
		m.publish(ctx, EventTransitioned, inc, from)
	}
}

// generatePostmortem runs on the goroutine whose CAS entered RESOLVED, and
// later from ReconcilePostmortems if that failed; the store's uniqueness
// guards against a second writer. It reports whether a postmortem was saved.
func (m *Manager) generatePostmortem(ctx context.Context, inc *Incident) bool {
	attempts, err := m.store.ListAttempts(ctx, inc.ID)
	if err != nil {
		m.logger.Error("Failed to load attempts for postmortem", zap.Int64("incident_id", inc.ID), zap.Error(err))
		return false
	}
	history, err := m.store.History(ctx, inc.ID)
	if err != nil {
		m.logger.Error("Failed to load history for postmortem", zap.Int64("incident_id", inc.ID), zap.Error(err))
		return false
	}

	pm, err := m.generate(inc, attempts, history)
	if err != nil {
		m.logger.Error("Postmortem generation failed", zap.Int64("incident_id", inc.ID), zap.Error(err))
		return false
	}
	pm.IncidentID = inc.ID
	if pm.GeneratedAt.IsZero() {
		pm.GeneratedAt = m.now()
	}

	switch err := m.store.SavePostmortem(ctx, pm); {
	case errors.Is(err, ErrPostmortemExists):
		m.logger.Debug("Postmortem already exists", zap.Int64("incident_id", inc.ID))
		return false
	case err != nil:
		m.logger.Error("Failed to save postmortem", zap.Int64("incident_id", inc.ID), zap.Error(err))
		return false
	}
	m.observer.PostmortemGenerated(inc)
	m.logger.Info("Postmortem generated", zap.Int64("incident_id", inc.ID))
	return true
}

// generate calls the generator without letting a panic escape the
// transition that already committed RESOLVED.
func (m *Manager) generate(inc *Incident, attempts []*RemediationAttempt, history []*StatusChange) (pm *Postmortem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("postmortem generator panicked: %v", r)
		}
	}()
	pm = m.generator.Generate(inc, attempts, history)
	if pm == nil {
		return nil, errors.New("postmortem generator returned nothing")
	}
	return pm, nil
}

func (m *Manager) publish(ctx context.Context, kind EventKind, inc *Incident, from Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Incident event sink panicked", zap.String("kind", string(kind)), zap.Any("panic", r))
		}
	}()
	event := Event{Kind: kind, Incident: inc, From: from, At: m.now()}
	if err := m.sink.Publish(ctx, event); err != nil {
		m.logger.Warn("Failed to publish incident event",
			zap.String("kind", string(kind)),
			zap.Int64("incident_id", inc.ID),
			zap.Error(err),
		)
	}
}

func (m *Manager) Get(ctx context.Context, id int64) (*Incident, error) {
	return m.store.Get(ctx, id)
}

// ListOpen returns every incident that is not RESOLVED, newest first.
func (m *Manager) ListOpen(ctx context.Context) ([]*Incident, error) {
	return m.store.List(ctx, Filter{Statuses: OpenStatuses})
}

func (m *Manager) List(ctx context.Context, filter Filter) ([]*Incident, error) {
	return m.store.List(ctx, filter)
}

// ListStale returns active incidents detected before cutoff.
func (m *Manager) ListStale(ctx context.Context, cutoff time.Time) ([]*Incident, error) {
	return m.store.List(ctx, Filter{Statuses: ActiveStatuses, Before: cutoff})
}

func (m *Manager) Attempts(ctx context.Context, id int64) ([]*RemediationAttempt, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListAttempts(ctx, id)
}

func (m *Manager) History(ctx context.Context, id int64) ([]*StatusChange, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.History(ctx, id)
}

func (m *Manager) Postmortem(ctx context.Context, id int64) (*Postmortem, error) {
	return m.store.GetPostmortem(ctx, id)
}

func (m *Manager) Postmortems(ctx context.Context, limit int) ([]*Postmortem, error) {
	return m.store.ListPostmortems(ctx, limit)
}

// RecordAttempt appends a remediation attempt for the incident.
func (m *Manager) RecordAttempt(ctx context.Context, attempt *RemediationAttempt) error {
	if attempt.ExecutedAt.IsZero() {
		attempt.ExecutedAt = m.now()
	}
	return m.store.AppendAttempt(ctx, attempt)
}

func (m *Manager) CountAttempts(ctx context.Context, id int64) (int, error) {
	return m.store.CountAttempts(ctx, id)
}

// ReconcilePostmortems generates the postmortems of RESOLVED incidents whose
// generation failed after the transition committed.
func (m *Manager) ReconcilePostmortems(ctx context.Context) (int, error) {
	missing, err := m.store.ListMissingPostmortems(ctx, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list incidents missing postmortems: %w", err)
	}

	generated := 0
	for _, inc := range missing {
		if m.generatePostmortem(ctx, inc) {
			generated++
		}
	}
	if generated > 0 {
		m.logger.Warn("Generated missing postmortems", zap.Int("count", generated))
	}
	return generated, nil
}

// ReconcileStuck moves incidents left in REMEDIATING by a previous process
// back to INVESTIGATING so the REMEDIATING lock is not held forever.
func (m *Manager) ReconcileStuck(ctx context.Context) (int, error) {
	stuck, err := m.store.List(ctx, Filter{Statuses: []Status{StatusRemediating}})
	if err != nil {
		return 0, fmt.Errorf("failed to list remediating incidents: %w", err)
	}

	reconciled := 0
	for _, inc := range stuck {
		_, err := m.CompareAndTransition(ctx, inc.ID, StatusRemediating, StatusInvestigating, TransitionOptions{Actor: ActorReconcile})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return reconciled, fmt.Errorf("failed to reconcile incident %d: %w", inc.ID, err)
		}
		reconciled++
	}

	if reconciled > 0 {
		m.logger.Warn("Reconciled incidents stuck in remediation", zap.Int("count", reconciled))
	}
	return reconciled, nil
}
