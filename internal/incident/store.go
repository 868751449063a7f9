package incident

import (
	"context"
	"time"
)

// Store persists incidents and their append-only records. Implementations
// must make CreateIfAbsent atomic per dedup key and CompareAndSwapStatus
// linearizable per incident.
type Store interface {
	// CreateIfAbsent inserts inc unless an incident with an active status
	// already holds inc.DedupKey, in which case that incident is returned
	// with created=false. Incidents without a dedup key are always inserted.
	CreateIfAbsent(ctx context.Context, inc *Incident) (stored *Incident, created bool, err error)

	// Absorb records a duplicate breach against an active incident: it bumps
	// the occurrence count and sets last_seen_at and last_value atomically.
	Absorb(ctx context.Context, id int64, seenAt time.Time, value float64) error

	Get(ctx context.Context, id int64) (*Incident, error)
	List(ctx context.Context, filter Filter) ([]*Incident, error)

	// CompareAndSwapStatus moves the incident from → to and records the
	// change in the status history. It returns ErrConflict if the current
	// status is not from.
	CompareAndSwapStatus(ctx context.Context, id int64, from, to Status, stamp Stamp) (*Incident, error)

	AppendAttempt(ctx context.Context, attempt *RemediationAttempt) error
	ListAttempts(ctx context.Context, incidentID int64) ([]*RemediationAttempt, error)
	CountAttempts(ctx context.Context, incidentID int64) (int, error)

	History(ctx context.Context, incidentID int64) ([]*StatusChange, error)

	// SavePostmortem returns ErrPostmortemExists when one is already stored.
	SavePostmortem(ctx context.Context, pm *Postmortem) error
	GetPostmortem(ctx context.Context, incidentID int64) (*Postmortem, error)
	ListPostmortems(ctx context.Context, limit int) ([]*Postmortem, error)
	// ListMissingPostmortems returns RESOLVED incidents that have no
	// postmortem yet, oldest first.
	ListMissingPostmortems(ctx context.Context, limit int) ([]*Incident, error)

	Health(ctx context.Context) error
}
