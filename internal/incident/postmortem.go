package incident

import (
	"fmt"
	"time"
)

const (
	defaultRootCause = "Investigation required"
	defaultLessons   = "Auto-generated postmortem. Review and update root cause and lessons learned."
)

// PostmortemGenerator builds the postmortem for a resolved incident.
type PostmortemGenerator interface {
	Generate(inc *Incident, attempts []*RemediationAttempt, history []*StatusChange) *Postmortem
}

// TemplateGenerator produces a structured postmortem from the incident's
// history and remediation attempts.
type TemplateGenerator struct {
	Now func() time.Time
}

func (g TemplateGenerator) Generate(inc *Incident, attempts []*RemediationAttempt, history []*StatusChange) *Postmortem {
	now := time.Now().UTC()
	if g.Now != nil {
		now = g.Now()
	}

	rootCause := inc.Description
	if rootCause == "" {
		rootCause = defaultRootCause
	}

	pm := &Postmortem{
		IncidentID:     inc.ID,
		Summary:        fmt.Sprintf("%s incident: %s", inc.Severity, inc.Title),
		RootCause:      rootCause,
		Timeline:       timeline(inc, attempts, history),
		Remediation:    make([]RemediationSummary, 0, len(attempts)),
		LessonsLearned: defaultLessons,
		GeneratedAt:    now,
	}
	for _, a := range attempts {
		pm.Remediation = append(pm.Remediation, RemediationSummary{
			Action:  a.ActionName,
			Success: a.Success,
			Detail:  a.Detail,
		})
	}
	return pm
}

func timeline(inc *Incident, attempts []*RemediationAttempt, history []*StatusChange) []TimelineEntry {
	entries := []TimelineEntry{{At: inc.DetectedAt, Event: "Incident detected"}}

	// Attempts and status changes are each ordered; merge them by time.
	i, j := 0, 0
	for i < len(history) || j < len(attempts) {
		if j >= len(attempts) || (i < len(history) && !history[i].At.After(attempts[j].ExecutedAt)) {
			if e, ok := statusEntry(inc, history[i]); ok {
				entries = append(entries, e)
			}
			i++
			continue
		}
		a := attempts[j]
		outcome := "failed"
		if a.Success {
			outcome = "succeeded"
		}
		entries = append(entries, TimelineEntry{
			At:    a.ExecutedAt,
			Event: fmt.Sprintf("Remediation %s %s", a.ActionName, outcome),
		})
		j++
	}
	return entries
}

func statusEntry(inc *Incident, h *StatusChange) (TimelineEntry, bool) {
	switch h.To {
	case StatusInvestigating:
		if h.From == StatusRemediating {
			return TimelineEntry{At: h.At, Event: "Returned to investigation"}, true
		}
		return TimelineEntry{At: h.At, Event: "Acknowledged"}, true
	case StatusRemediating:
		return TimelineEntry{At: h.At, Event: "Remediation started"}, true
	case StatusEscalated:
		return TimelineEntry{At: h.At, Event: "Escalated"}, true
	case StatusResolved:
		by := ResolvedByManual
		if inc.ResolvedBy != nil {
			by = *inc.ResolvedBy
		}
		return TimelineEntry{At: h.At, Event: fmt.Sprintf("Resolved by %s", by)}, true
	}
	return TimelineEntry{}, false
}
