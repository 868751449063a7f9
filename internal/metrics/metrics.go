// Package metrics exports engine instrumentation in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/remediation"
)

const namespace = "sentinel"

// Metrics holds every collector on its own registry. It satisfies the
// observer hooks of the incident, remediation, escalation, monitor, jobs
// and validation packages.
type Metrics struct {
	registry *prometheus.Registry

	incidentsCreated   *prometheus.CounterVec
	breachesAbsorbed   *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	escalations        *prometheus.CounterVec
	postmortems        prometheus.Counter
	remediationRuns    *prometheus.CounterVec
	remediationLatency *prometheus.HistogramVec
	pollDuration       prometheus.Histogram
	pollFailures       prometheus.Counter
	healthStatus       *prometheus.GaugeVec
	metricValues       *prometheus.GaugeVec
	chaosTriggers      *prometheus.CounterVec
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	ruleRuns           *prometheus.CounterVec
	ruleViolations     *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		incidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_created_total",
			Help:      "Incidents created, by type and severity.",
		}, []string{"type", "severity"}),
		breachesAbsorbed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaches_absorbed_total",
			Help:      "Breaches absorbed by an already open incident.",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Accepted incident status transitions.",
		}, []string{"from", "to"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_escalated_total",
			Help:      "Incidents escalated by the sweeper.",
		}, []string{"type"}),
		postmortems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postmortems_generated_total",
			Help:      "Postmortems generated.",
		}),
		remediationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediation_runs_total",
			Help:      "Executor runs by action and outcome.",
		}, []string{"action", "outcome"}),
		remediationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remediation_duration_seconds",
			Help:      "Executor run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"action"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one monitor poll cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Poll cycles skipped because sampling failed.",
		}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the current overall health status, 0 otherwise.",
		}, []string{"status"}),
		metricValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sample_value",
			Help:      "Last sampled value per monitored metric.",
		}, []string{"metric"}),
		chaosTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chaos_triggers_total",
			Help:      "Chaos scenarios triggered.",
		}, []string{"scenario"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		ruleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rule_runs_total",
			Help:      "Validation rule evaluations by rule and result.",
		}, []string{"rule", "result"}),
		ruleViolations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_rule_violations",
			Help:      "Violations found by the last evaluation of each rule, -1 on error.",
		}, []string{"rule"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.incidentsCreated,
		m.breachesAbsorbed,
		m.transitions,
		m.escalations,
		m.postmortems,
		m.remediationRuns,
		m.remediationLatency,
		m.pollDuration,
		m.pollFailures,
		m.healthStatus,
		m.metricValues,
		m.chaosTriggers,
		m.jobRuns,
		m.jobDuration,
		m.ruleRuns,
		m.ruleViolations,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncidentCreated(inc *incident.Incident) {
	m.incidentsCreated.WithLabelValues(inc.Type, string(inc.Severity)).Inc()
}

func (m *Metrics) BreachAbsorbed(inc *incident.Incident) {
	m.breachesAbsorbed.WithLabelValues(inc.Type).Inc()
}

func (m *Metrics) StatusChanged(inc *incident.Incident, from incident.Status) {
	m.transitions.WithLabelValues(string(from), string(inc.Status)).Inc()
}

func (m *Metrics) PostmortemGenerated(*incident.Incident) {
	m.postmortems.Inc()
}

func (m *Metrics) IncidentEscalated(inc *incident.Incident) {
	m.escalations.WithLabelValues(inc.Type).Inc()
}

func (m *Metrics) ActionFinished(action string, outcome remediation.Outcome, took time.Duration) {
	m.remediationRuns.WithLabelValues(action, string(outcome)).Inc()
	m.remediationLatency.WithLabelValues(action).Observe(took.Seconds())
}

func (m *Metrics) PollCompleted(a health.Assessment, took time.Duration) {
	m.pollDuration.Observe(took.Seconds())
	for _, s := range []health.Status{health.StatusHealthy, health.StatusWarning, health.StatusCritical, health.StatusError} {
		v := 0.0
		if a.Status == s {
			v = 1
		}
		m.healthStatus.WithLabelValues(string(s)).Set(v)
	}
	for name, value := range a.Sample.Metrics {
		m.metricValues.WithLabelValues(name).Set(value)
	}
}

func (m *Metrics) PollFailed() {
	m.pollFailures.Inc()
}

func (m *Metrics) ChaosTriggered(scenario string) {
	m.chaosTriggers.WithLabelValues(scenario).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) JobFinished(job string, succeeded bool, took time.Duration) {
	m.jobRuns.WithLabelValues(job, result(succeeded)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) RuleEvaluated(rule string, passed bool, violations int64) {
	m.ruleRuns.WithLabelValues(rule, result(passed)).Inc()
	m.ruleViolations.WithLabelValues(rule).Set(float64(violations))
}
