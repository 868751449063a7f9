// Package report computes read-only summaries over the incident store.
package report

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/namansh70747/sentinel/internal/incident"
)

// Resolution targets per severity. Incidents resolved later count as breaches.
var DefaultTargets = map[incident.Severity]time.Duration{
	incident.SeverityCritical: 60 * time.Minute,
	incident.SeverityWarning:  240 * time.Minute,
}

type Lister interface {
	List(ctx context.Context, filter incident.Filter) ([]*incident.Incident, error)
}

type SLAReport struct {
	WindowHours          int      `json:"window_hours"`
	TotalIncidents       int      `json:"total_incidents"`
	ResolvedCount        int      `json:"resolved_count"`
	EscalatedCount       int      `json:"escalated_count"`
	CriticalCount        int      `json:"critical_count"`
	AutoResolvedCount    int      `json:"auto_resolved_count"`
	AutoRemediationRate  float64  `json:"auto_remediation_rate"`
	EscalationRate       float64  `json:"escalation_rate"`
	AvgResolutionMinutes *float64 `json:"avg_resolution_minutes"`
	MaxResolutionMinutes *float64 `json:"max_resolution_minutes"`
	SLABreaches          int      `json:"sla_breaches"`
	SLAComplianceRate    *float64 `json:"sla_compliance_rate"`
}

// SLA summarises incidents detected in the window ending at now.
func SLA(ctx context.Context, store Lister, now time.Time, window time.Duration, targets map[incident.Severity]time.Duration) (*SLAReport, error) {
	if targets == nil {
		targets = DefaultTargets
	}

	incidents, err := store.List(ctx, incident.Filter{Since: now.Add(-window)})
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents for SLA report: %w", err)
	}

	r := &SLAReport{
		WindowHours:    int(window / time.Hour),
		TotalIncidents: len(incidents),
	}
	if r.TotalIncidents == 0 {
		return r, nil
	}

	resolved := lo.Filter(incidents, func(inc *incident.Incident, _ int) bool {
		return inc.ResolvedAt != nil
	})
	r.ResolvedCount = len(resolved)
	r.EscalatedCount = lo.CountBy(incidents, func(inc *incident.Incident) bool {
		return inc.Status == incident.StatusEscalated
	})
	r.CriticalCount = lo.CountBy(incidents, func(inc *incident.Incident) bool {
		return inc.Severity == incident.SeverityCritical
	})
	r.AutoResolvedCount = lo.CountBy(resolved, func(inc *incident.Incident) bool {
		return inc.ResolvedBy != nil && *inc.ResolvedBy == incident.ResolvedByAuto
	})

	r.AutoRemediationRate = percent(r.AutoResolvedCount, max(r.ResolvedCount, 1))
	r.EscalationRate = percent(r.EscalatedCount, r.TotalIncidents)

	if len(resolved) == 0 {
		return r, nil
	}

	var total, longest float64
	for _, inc := range resolved {
		took := inc.ResolvedAt.Sub(inc.DetectedAt)
		minutes := took.Minutes()
		total += minutes
		longest = max(longest, minutes)

		if target, ok := targets[inc.Severity]; ok && took > target {
			r.SLABreaches++
		}
	}

	avg := round1(total / float64(len(resolved)))
	longest = round1(longest)
	compliance := round1((1 - float64(r.SLABreaches)/float64(len(resolved))) * 100)
	r.AvgResolutionMinutes = &avg
	r.MaxResolutionMinutes = &longest
	r.SLAComplianceRate = &compliance
	return r, nil
}

func percent(n, of int) float64 {
	return round1(float64(n) / float64(of) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
