// Package jobs runs scheduled SQL maintenance jobs against the database.
// Every run is logged, and a failed run reports a breach so it is handled
// like any other incident.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
)

const (
	// IncidentType is reported for every failed job run.
	IncidentType = "job_failure"
	SourceJobs   = "jobs"

	dedupPrefix     = "job_"
	defaultSchedule = "@every 60s"
	defaultTimeout  = time.Minute
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerSchedule    Trigger = "schedule"
	TriggerManual      Trigger = "manual"
	TriggerRemediation Trigger = "remediation"
)

type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusFailed  RunStatus = "failed"
)

// Job is one scheduled statement.
type Job struct {
	Name        string
	Schedule    string
	SQL         string
	Description string
	Timeout     time.Duration
}

func (j Job) DedupKey() string {
	return dedupPrefix + j.Name
}

// NameFromDedupKey recovers the job name from a job_failure incident's dedup key.
func NameFromDedupKey(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, dedupPrefix)
	return name, ok && name != ""
}

// ParseSchedule accepts "@every <duration>" and standard five-field cron
// expressions. Empty means every minute.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		expr = defaultSchedule
	}
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid job schedule %q: %w", expr, err)
	}
	return s, nil
}

// Run is one execution of a job.
type Run struct {
	ID           int64      `json:"id"`
	Job          string     `json:"job_name"`
	Trigger      Trigger    `json:"trigger"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	RowsAffected int64      `json:"rows_affected"`
	Error        string     `json:"error,omitempty"`
}

// Status is a job as listed by the API.
type Status struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	NextRun     time.Time  `json:"next_run"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastStatus  RunStatus  `json:"last_status,omitempty"`
}

// RunStore persists the run log.
type RunStore interface {
	StartRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, job string, limit int) ([]*Run, error)
}

// Execer is the subset of pgxpool.Pool a job needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Reporter interface {
	ReportBreach(ctx context.Context, event health.BreachEvent) (*incident.Incident, bool, error)
}

type Observer interface {
	JobFinished(job string, succeeded bool, took time.Duration)
}

type Config struct {
	// CheckInterval is how often due jobs are looked for.
	CheckInterval time.Duration
	// Severity of the breach reported for a failed run.
	Severity health.Severity
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
	running  bool
	last     *Run
}

type Runner struct {
	db       Execer
	runs     RunStore
	reporter Reporter
	observer Observer
	cfg      Config
	jobs     map[string]*entry
	mu       sync.Mutex
	now      func() time.Time
	logger   *zap.Logger
}

// NewRunner validates every schedule up front. The first run of each job
// is its first schedule activation after construction.
func NewRunner(db Execer, runs RunStore, reporter Reporter, jobs []Job, cfg Config, logger *zap.Logger) (*Runner, error) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.Severity == "" {
		cfg.Severity = health.SeverityWarning
	}

	r := &Runner{
		db:       db,
		runs:     runs,
		reporter: reporter,
		cfg:      cfg,
		jobs:     make(map[string]*entry, len(jobs)),
		now:      time.Now,
		logger:   logger,
	}

	start := r.now()
	for _, j := range jobs {
		if _, dup := r.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job name %q", j.Name)
		}
		schedule, err := ParseSchedule(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		if j.Timeout <= 0 {
			j.Timeout = defaultTimeout
		}
		r.jobs[j.Name] = &entry{job: j, schedule: schedule, next: schedule.Next(start)}
	}
	return r, nil
}

func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

func (r *Runner) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := lo.Keys(r.jobs)
	slices.Sort(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		e := r.jobs[name]
		st := Status{
			Name:        name,
			Schedule:    e.job.Schedule,
			Description: e.job.Description,
			NextRun:     e.next,
			Running:     e.running,
		}
		if e.last != nil {
			st.LastRun = &e.last.StartedAt
			st.LastStatus = e.last.Status
		}
		out = append(out, st)
	}
	return out
}

// History returns the newest runs first. An empty name lists every job.
func (r *Runner) History(ctx context.Context, name string, limit int) ([]*Run, error) {
	if name != "" {
		if _, ok := r.jobs[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
		}
	}
	if limit <= 0 {
		limit = 20
	}
	runs, err := r.runs.ListRuns(ctx, name, min(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	return runs, nil
}

// Trigger runs a job now, outside its schedule. A failed run is returned
// as a Run with StatusFailed, not as an error.
func (r *Runner) Trigger(ctx context.Context, name string, trigger Trigger) (*Run, error) {
	e, err := r.claim(name)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, e, trigger), nil
}

func (r *Runner) claim(name string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if e.running {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	e.running = true
	return e, nil
}

// RunDue runs every job whose next activation is not after now and
// returns how many ran.
func (r *Runner) RunDue(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var due []*entry
	for _, e := range r.jobs {
		if e.running || now.Before(e.next) {
			continue
		}
		e.running = true
		e.next = e.schedule.Next(now)
		due = append(due, e)
	}
	r.mu.Unlock()

	slices.SortFunc(due, func(a, b *entry) int { return strings.Compare(a.job.Name, b.job.Name) })
	for _, e := range due {
		if ctx.Err() != nil {
			r.release(e)
			continue
		}
		r.execute(ctx, e, TriggerSchedule)
	}
	return len(due)
}

func (r *Runner) release(e *entry) {
	r.mu.Lock()
	e.running = false
	r.mu.Unlock()
}

func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	r.logger.Info("Job runner started", zap.Int("jobs", len(r.jobs)))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Job runner stopped")
			return
		case <-ticker.C:
			r.RunDue(ctx, r.now())
		}
	}
}

// execute runs a claimed job, logs the run and releases the claim.
func (r *Runner) execute(ctx context.Context, e *entry, trigger Trigger) *Run {
	run := &Run{
		Job:       e.job.Name,
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: r.now().UTC(),
	}
	if err := r.runs.StartRun(ctx, run); err != nil {
		r.logger.Warn("Failed to log job start", zap.String("job", e.job.Name), zap.Error(err))
	}

	start := time.Now()
	affected, err := r.exec(ctx, e.job)
	took := time.Since(start)

	completed := r.now().UTC()
	run.CompletedAt = &completed
	run.DurationMS = took.Milliseconds()
	run.RowsAffected = affected
	run.Status = StatusSuccess
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	}

	if run.ID != 0 {
		if err := r.runs.CompleteRun(ctx, run); err != nil {
			r.logger.Warn("Failed to log job completion", zap.String("job", e.job.Name), zap.Error(err))
		}
	}

	r.mu.Lock()
	e.running = false
	e.last = run
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.JobFinished(e.job.Name, err == nil, took)
	}

	if err != nil {
		r.logger.Error("Job failed",
			zap.String("job", e.job.Name),
			zap.String("trigger", string(trigger)),
			zap.Duration("duration", took),
			zap.Error(err),
		)
		r.report(ctx, e.job)
		return run
	}

	r.logger.Info("Job completed",
		zap.String("job", e.job.Name),
		zap.String("trigger", string(trigger)),
		zap.Int64("rows", affected),
		zap.Duration("duration", took),
	)
	return run
}

func (r *Runner) exec(ctx context.Context, job Job) (affected int64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, job.SQL)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Runner) report(ctx context.Context, job Job) {
	if r.reporter == nil {
		return
	}
	_, _, err := r.reporter.ReportBreach(ctx, health.BreachEvent{
		Metric:   "job:" + job.Name,
		Type:     IncidentType,
		Severity: r.cfg.Severity,
		Value:    1,
		DedupKey: job.DedupKey(),
		Source:   SourceJobs,
		Detected: r.now().UTC(),
	})
	if err != nil {
		r.logger.Error("Failed to report job failure", zap.String("job", job.Name), zap.Error(err))
	}
}
