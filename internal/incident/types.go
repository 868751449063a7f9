// Package incident owns incident state: the model, the lifecycle state
// machine, the store contract and the Manager that enforces them.
package incident

import (
	"maps"
	"time"
)

type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusRemediating   Status = "remediating"
	StatusResolved      Status = "resolved"
	StatusEscalated     Status = "escalated"
)

// ActiveStatuses are the statuses that hold the dedup key and that the
// escalation sweeper watches.
var ActiveStatuses = []Status{StatusDetected, StatusInvestigating, StatusRemediating}

// OpenStatuses still need action. Escalated incidents count as open.
var OpenStatuses = []Status{StatusDetected, StatusInvestigating, StatusRemediating, StatusEscalated}

// Active reports whether the status holds the dedup key.
func (s Status) Active() bool {
	return s == StatusDetected || s == StatusInvestigating || s == StatusRemediating
}

// Open reports whether the incident still needs action.
func (s Status) Open() bool {
	return s != StatusResolved
}

func (s Status) Valid() bool {
	switch s {
	case StatusDetected, StatusInvestigating, StatusRemediating, StatusResolved, StatusEscalated:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

type ResolvedBy string

const (
	ResolvedByAuto   ResolvedBy = "auto"
	ResolvedByManual ResolvedBy = "manual"
)

// Actors recorded in the status history.
const (
	ActorMonitor     = "monitor"
	ActorRemediation = "remediation"
	ActorEscalation  = "escalation"
	ActorReconcile   = "reconcile"
	ActorAPI         = "api"
)

// Metadata keys maintained by the Manager.
const (
	MetaLastSeenAt  = "last_seen_at"
	MetaOccurrences = "occurrences"
	MetaLastValue   = "last_value"
	MetaMetric      = "metric"
	MetaThreshold   = "threshold"
	MetaSource      = "source"
)

type Incident struct {
	ID             int64          `json:"id"`
	Type           string         `json:"incident_type"`
	Severity       Severity       `json:"severity"`
	Status         Status         `json:"status"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     *ResolvedBy    `json:"resolved_by,omitempty"`
	DedupKey       *string        `json:"dedup_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep enough copy for callers to read without racing the store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.AcknowledgedAt = clonePtr(i.AcknowledgedAt)
	c.ResolvedAt = clonePtr(i.ResolvedAt)
	c.ResolvedBy = clonePtr(i.ResolvedBy)
	c.DedupKey = clonePtr(i.DedupKey)
	c.Metadata = maps.Clone(i.Metadata)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// RemediationAttempt is an append-only record of one executor call.
type RemediationAttempt struct {
	ID         int64     `json:"id"`
	IncidentID int64     `json:"incident_id"`
	ActionName string    `json:"action_name"`
	ExecutedAt time.Time `json:"executed_at"`
	Success    bool      `json:"success"`
	Detail     string    `json:"detail"`
}

// StatusChange is an append-only record of one accepted transition.
type StatusChange struct {
	IncidentID int64     `json:"incident_id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	At         time.Time `json:"at"`
	Actor      string    `json:"actor"`
}

type TimelineEntry struct {
	At    time.Time `json:"time"`
	Event string    `json:"event"`
}

type RemediationSummary struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Postmortem is created exactly once, when an incident is resolved.
type Postmortem struct {
	ID             int64                `json:"id"`
	IncidentID     int64                `json:"incident_id"`
	Summary        string               `json:"summary"`
	RootCause      string               `json:"root_cause"`
	Timeline       []TimelineEntry      `json:"timeline"`
	Remediation    []RemediationSummary `json:"remediation"`
	LessonsLearned string               `json:"lessons_learned"`
	GeneratedAt    time.Time            `json:"generated_at"`
}

// Filter narrows List queries. Zero values mean "any".
type Filter struct {
	Statuses []Status
	Type     string
	Since    time.Time
	Before   time.Time
	Limit    int
}

// Stamp carries the fields written together with a status change.
type Stamp struct {
	At         time.Time
	ResolvedBy *ResolvedBy
	Actor      string
}
