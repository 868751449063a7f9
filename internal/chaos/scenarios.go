package chaos

import "github.com/namansh70747/sentinel/internal/health"

// DefaultScenarios is the built-in catalogue used when none are configured.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "long_running_query", Description: "A query holds locks far longer than expected", Severity: health.SeverityWarning, Metric: "long_query_count", Value: 3},
		{Name: "deadlock", Description: "Two sessions block each other", Severity: health.SeverityCritical, Metric: "blocking_count", Value: 2},
		{Name: "data_corruption", Description: "Rows fail integrity checks", Severity: health.SeverityCritical, Metric: "corrupt_rows", Value: 1},
		{Name: "orphaned_records", Description: "Child rows reference missing parents", Severity: health.SeverityWarning, Metric: "orphaned_rows", Value: 12},
		{Name: "job_failure", Description: "A scheduled batch job exited with errors", Severity: health.SeverityWarning, Metric: "failed_jobs", Value: 1},
		{Name: "connection_flood", Description: "Idle sessions exhaust the connection pool", Severity: health.SeverityCritical, Metric: "connection_count", Value: 95},
		{Name: "claim_volume_spike", Description: "Inbound claim volume far above baseline", Severity: health.SeverityCritical, Metric: "claims_per_minute", Value: 1200},
		{Name: "phi_exposure", Description: "Sensitive fields written to an unprotected table", Severity: health.SeverityCritical, Metric: "exposed_rows", Value: 1},
		{Name: "formulary_change", Description: "Reference data changed outside a release", Severity: health.SeverityWarning, Metric: "formulary_drift", Value: 1},
	}
}
