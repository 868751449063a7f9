// Package health evaluates periodic health samples against threshold rules.
package health

import (
	"maps"
	"math"
	"time"
)

// Status is the overall health of a sample.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error"
)

// Severity of a single breach.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can filter with a minimum.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Direction selects how a metric is compared with its bounds.
type Direction string

const (
	// DirectionAbove breaches when the value reaches the bound (saturation metrics).
	DirectionAbove Direction = "above"
	// DirectionBelow breaches when the value drops under the bound.
	DirectionBelow Direction = "below"
)

// HealthSample is one immutable observation of the monitored resource.
type HealthSample struct {
	CapturedAt time.Time          `json:"captured_at"`
	Metrics    map[string]float64 `json:"metrics"`
	Status     Status             `json:"status"`
}

// NewSample copies metrics so the sample cannot be changed through the
// caller's map. NaN and infinite values are treated as absent.
func NewSample(capturedAt time.Time, metrics map[string]float64) HealthSample {
	clean := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean[k] = v
	}
	return HealthSample{
		CapturedAt: capturedAt,
		Metrics:    clean,
	}
}

// Value returns a metric and whether it was present in the sample.
func (s HealthSample) Value(metric string) (float64, bool) {
	v, ok := s.Metrics[metric]
	return v, ok
}

// WithStatus returns a copy of the sample carrying the derived status.
func (s HealthSample) WithStatus(status Status) HealthSample {
	s.Metrics = maps.Clone(s.Metrics)
	s.Status = status
	return s
}

// ThresholdRule maps a metric to its warning and critical bounds.
type ThresholdRule struct {
	Metric    string    `yaml:"metric" json:"metric"`
	Type      string    `yaml:"type" json:"type"`
	Warning   *float64  `yaml:"warning,omitempty" json:"warning,omitempty"`
	Critical  *float64  `yaml:"critical,omitempty" json:"critical,omitempty"`
	Direction Direction `yaml:"direction,omitempty" json:"direction,omitempty"`
	// Guard names a metric that must be present and positive for the rule to apply.
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`
}

func (r ThresholdRule) direction() Direction {
	if r.Direction == "" {
		return DirectionAbove
	}
	return r.Direction
}

// BreachEvent is a single metric crossing a bound in one evaluation pass.
type BreachEvent struct {
	Metric    string    `json:"metric"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	DedupKey  string    `json:"dedup_key"`
	Source    string    `json:"source"`
	Detected  time.Time `json:"detected_at"`
}

// Assessment is the result of evaluating one sample.
type Assessment struct {
	Sample HealthSample  `json:"sample"`
	Events []BreachEvent `json:"events"`
	Status Status        `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// DedupKeyFor derives the dedup key for threshold breaches of an incident type.
func DedupKeyFor(incidentType string) string {
	return "health_" + incidentType
}

// Float is a helper for building rules in code and tests.
func Float(v float64) *float64 {
	return &v
}
