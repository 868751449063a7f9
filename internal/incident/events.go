package incident

import (
	"context"
	"time"
)

type EventKind string

const (
	EventCreated      EventKind = "created"
	EventTransitioned EventKind = "transitioned"
	EventEscalated    EventKind = "escalated"
	EventResolved     EventKind = "resolved"
)

// Event is a lifecycle notification emitted after a change is committed.
type Event struct {
	Kind     EventKind `json:"kind"`
	Incident *Incident `json:"incident"`
	From     Status    `json:"from,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives lifecycle events. Failures never roll back the change.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// Observer is notified of lifecycle activity for instrumentation.
type Observer interface {
	IncidentCreated(inc *Incident)
	BreachAbsorbed(inc *Incident)
	StatusChanged(inc *Incident, from Status)
	PostmortemGenerated(inc *Incident)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }

type nopObserver struct{}

func (nopObserver) IncidentCreated(*Incident) {}
func (nopObserver) BreachAbsorbed(*Incident) {}
func (nopObserver) StatusChanged(*Incident, Status) {}
func (nopObserver) PostmortemGenerated(*Incident) {}
