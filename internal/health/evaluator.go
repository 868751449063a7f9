package health

import (
	"errors"
	"fmt"
)

// SourceThreshold tags breach events produced by the evaluator.
const SourceThreshold = "threshold"

// Evaluate checks every rule whose metric is present in the sample. It is
// pure: the same sample and rules always produce the same events, in rule order.
func Evaluate(sample HealthSample, rules []ThresholdRule) []BreachEvent {
	var events []BreachEvent

	for _, rule := range rules {
		value, ok := sample.Value(rule.Metric)
		if !ok {
			continue
		}

		if rule.Guard != "" {
			guard, present := sample.Value(rule.Guard)
			if !present || guard <= 0 {
				continue
			}
		}

		severity, bound, breached := classify(rule, value)
		if !breached {
			continue
		}

		events = append(events, BreachEvent{
			Metric:    rule.Metric,
			Type:      rule.Type,
			Severity:  severity,
			Value:     value,
			Threshold: bound,
			DedupKey:  DedupKeyFor(rule.Type),
			Source:    SourceThreshold,
			Detected:  sample.CapturedAt,
		})
	}

	return events
}

func classify(rule ThresholdRule, value float64) (Severity, float64, bool) {
	if rule.Critical != nil && crosses(rule.direction(), value, *rule.Critical) {
		return SeverityCritical, *rule.Critical, true
	}
	if rule.Warning != nil && crosses(rule.direction(), value, *rule.Warning) {
		return SeverityWarning, *rule.Warning, true
	}
	return "", 0, false
}

func crosses(direction Direction, value, bound float64) bool {
	if direction == DirectionBelow {
		return value < bound
	}
	return value >= bound
}

// OverallStatus derives the sample status from the events of one pass.
func OverallStatus(events []BreachEvent) Status {
	status := StatusHealthy
	for _, e := range events {
		switch e.Severity {
		case SeverityCritical:
			return StatusCritical
		case SeverityWarning:
			status = StatusWarning
		}
	}
	return status
}

// Assess evaluates a sample and stamps the derived status on it.
func Assess(sample HealthSample, rules []ThresholdRule) Assessment {
	events := Evaluate(sample, rules)
	status := OverallStatus(events)
	return Assessment{
		Sample: sample.WithStatus(status),
		Events: events,
		Status: status,
	}
}

// ValidateRules reports malformed rules. Any error here is a wiring bug and
// must stop startup.
func ValidateRules(rules []ThresholdRule) error {
	var errs []error
	seen := make(map[string]bool, len(rules))

	for i, rule := range rules {
		prefix := fmt.Sprintf("thresholds[%d]", i)
		if rule.Metric == "" {
			errs = append(errs, fmt.Errorf("%s: metric cannot be empty", prefix))
		}
		if rule.Type == "" {
			errs = append(errs, fmt.Errorf("%s (%s): type cannot be empty", prefix, rule.Metric))
		}
		switch rule.Direction {
		case "", DirectionAbove, DirectionBelow:
		default:
			errs = append(errs, fmt.Errorf("%s (%s): direction must be above or below", prefix, rule.Metric))
		}
		if rule.Warning == nil && rule.Critical == nil {
			errs = append(errs, fmt.Errorf("%s (%s): at least one of warning or critical is required", prefix, rule.Metric))
		}
		if rule.Warning != nil && rule.Critical != nil {
			w, c := *rule.Warning, *rule.Critical
			if rule.direction() == DirectionAbove && w > c {
				errs = append(errs, fmt.Errorf("%s (%s): warning %.2f is above critical %.2f", prefix, rule.Metric, w, c))
			}
			if rule.direction() == DirectionBelow && w < c {
				errs = append(errs, fmt.Errorf("%s (%s): warning %.2f is below critical %.2f", prefix, rule.Metric, w, c))
			}
		}
		if seen[rule.Metric] {
			errs = append(errs, fmt.Errorf("%s: duplicate rule for metric %s", prefix, rule.Metric))
		}
		seen[rule.Metric] = true
	}

	return errors.Join(errs...)
}

// Types lists the distinct incident types declared by the rules, in order.
func Types(rules []ThresholdRule) []string {
	seen := make(map[string]bool, len(rules))
	var types []string
	for _, r := range rules {
		if r.Type == "" || seen[r.Type] {
			continue
		}
		seen[r.Type] = true
		types = append(types, r.Type)
	}
	return types
}
