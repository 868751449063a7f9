package validation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
)

const (
	// IncidentType is reported for every failing rule when reporting is on.
	IncidentType     = "data_quality"
	SourceValidation = "validation"
)

var ErrUnknownRule = errors.New("unknown validation rule")

// Result is one execution of a rule.
type Result struct {
	ID          int64           `json:"id"`
	Rule        string          `json:"rule_name"`
	Type        RuleType        `json:"rule_type"`
	Table       string          `json:"table_name"`
	Column      string          `json:"column_name"`
	Severity    health.Severity `json:"severity"`
	Passed      bool            `json:"passed"`
	Violations  int64           `json:"violation_count"`
	Samples     []string        `json:"sample_values"`
	Description string          `json:"description"`
	Error       string          `json:"error,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

type Summary struct {
	Total   int       `json:"total"`
	Passed  int       `json:"passed"`
	Failed  int       `json:"failed"`
	Results []*Result `json:"results"`
}

type Scorecard struct {
	TotalRules       int       `json:"total_rules"`
	Passed           int       `json:"passed"`
	Failed           int       `json:"failed"`
	CriticalFailures int       `json:"critical_failures"`
	ScorePercent     float64   `json:"score_percent"`
	Rules            []*Result `json:"rules"`
}

// Querier is the subset of pgxpool.Pool the rules need.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type ResultStore interface {
	SaveResult(ctx context.Context, r *Result) error
	ListResults(ctx context.Context, limit int) ([]*Result, error)
	// LatestResults returns the newest result of every rule.
	LatestResults(ctx context.Context) ([]*Result, error)
}

type Reporter interface {
	ReportBreach(ctx context.Context, event health.BreachEvent) (*incident.Incident, bool, error)
}

type Observer interface {
	RuleEvaluated(rule string, passed bool, violations int64)
}

type Config struct {
	// Interval between scheduled runs. Zero runs only on demand.
	Interval time.Duration
	// RuleTimeout bounds each rule's queries.
	RuleTimeout time.Duration
	// Report opens a data_quality incident for each rule that finds violations.
	Report bool
}

type Engine struct {
	db       Querier
	store    ResultStore
	reporter Reporter
	observer Observer
	rules    []Rule
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

func NewEngine(db Querier, store ResultStore, reporter Reporter, rules []Rule, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = 30 * time.Second
	}
	rules = slices.Clone(rules)
	seen := make(map[string]struct{}, len(rules))
	var errs []error
	for i, r := range rules {
		if _, dup := seen[r.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate validation rule %q", r.Name))
		}
		seen[r.Name] = struct{}{}
		if r.Severity == "" {
			rules[i].Severity = health.SeverityWarning
		}
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Engine{
		db:       db,
		store:    store,
		reporter: reporter,
		rules:    rules,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}, nil
}

func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) Rules() []Rule {
	return slices.Clone(e.rules)
}

// RunAll evaluates every rule in configuration order. A rule whose query
// fails counts as failed with a violation count of -1.
func (e *Engine) RunAll(ctx context.Context) Summary {
	var s Summary
	for _, r := range e.rules {
		res := e.run(ctx, r)
		s.Results = append(s.Results, res)
		if res.Passed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	s.Total = len(s.Results)
	e.logger.Info("Validation run completed",
		zap.Int("rules", s.Total),
		zap.Int("passed", s.Passed),
		zap.Int("failed", s.Failed),
	)
	return s
}

// RunRule evaluates a single rule by name.
func (e *Engine) RunRule(ctx context.Context, name string) (*Result, error) {
	for _, r := range e.rules {
		if r.Name == name {
			return e.run(ctx, r), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRule, name)
}

func (e *Engine) run(ctx context.Context, r Rule) *Result {
	res := &Result{
		Rule:        r.Name,
		Type:        r.Type,
		Table:       r.Table,
		Column:      r.Column,
		Severity:    r.Severity,
		Description: r.Description,
		Samples:     []string{},
		ExecutedAt:  e.now().UTC(),
	}

	if err := e.evaluate(ctx, r, res); err != nil {
		e.logger.Error("Validation rule failed", zap.String("rule", r.Name), zap.Error(err))
		res.Passed = false
		res.Violations = -1
		res.Error = err.Error()
	}

	if err := e.store.SaveResult(ctx, res); err != nil {
		e.logger.Warn("Failed to persist validation result", zap.String("rule", r.Name), zap.Error(err))
	}
	if e.observer != nil {
		e.observer.RuleEvaluated(r.Name, res.Passed, res.Violations)
	}
	if !res.Passed && res.Error == "" {
		e.report(ctx, r, res)
	}
	return res
}

func (e *Engine) evaluate(ctx context.Context, r Rule, res *Result) error {
	c, err := r.build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RuleTimeout)
	defer cancel()

	var n int64
	if err := e.db.QueryRow(ctx, c.count, c.args...).Scan(&n); err != nil {
		return fmt.Errorf("failed to evaluate rule %s: %w", r.Name, err)
	}

	if c.fresh {
		res.Passed = n > 0
		if !res.Passed {
			res.Violations = 1
		}
		res.Samples = []string{fmt.Sprintf("recent rows: %d", n)}
		return nil
	}

	res.Violations = n
	res.Passed = n == 0
	if res.Passed || c.sample == "" {
		return nil
	}

	rows, err := e.db.Query(ctx, c.sample, c.args...)
	if err != nil {
		e.logger.Debug("Failed to sample violations", zap.String("rule", r.Name), zap.Error(err))
		return nil
	}
	samples, err := pgx.CollectRows(rows, pgx.RowTo[*string])
	if err != nil {
		e.logger.Debug("Failed to sample violations", zap.String("rule", r.Name), zap.Error(err))
		return nil
	}
	for _, s := range samples {
		if s == nil {
			res.Samples = append(res.Samples, "NULL")
			continue
		}
		res.Samples = append(res.Samples, *s)
	}
	return nil
}

func (e *Engine) report(ctx context.Context, r Rule, res *Result) {
	if !e.cfg.Report || e.reporter == nil {
		return
	}
	_, _, err := e.reporter.ReportBreach(ctx, health.BreachEvent{
		Metric:   "validation:" + r.Name,
		Type:     IncidentType,
		Severity: r.Severity,
		Value:    float64(res.Violations),
		DedupKey: "validation_" + r.Name,
		Source:   SourceValidation,
		Detected: res.ExecutedAt,
	})
	if err != nil {
		e.logger.Error("Failed to report validation failure", zap.String("rule", r.Name), zap.Error(err))
	}
}

func (e *Engine) Results(ctx context.Context, limit int) ([]*Result, error) {
	if limit <= 0 {
		limit = 50
	}
	results, err := e.store.ListResults(ctx, min(limit, 500))
	if err != nil {
		return nil, fmt.Errorf("failed to list validation results: %w", err)
	}
	return results, nil
}

// Scorecard summarises the latest result of every rule. Failing rules sort
// first, critical before warning.
func (e *Engine) Scorecard(ctx context.Context) (Scorecard, error) {
	latest, err := e.store.LatestResults(ctx)
	if err != nil {
		return Scorecard{}, fmt.Errorf("failed to load latest validation results: %w", err)
	}

	slices.SortStableFunc(latest, func(a, b *Result) int {
		if a.Passed != b.Passed {
			if !a.Passed {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Severity.Rank(), a.Severity.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.Rule, b.Rule)
	})

	sc := Scorecard{TotalRules: len(latest), Rules: latest}
	for _, r := range latest {
		if r.Passed {
			sc.Passed++
			continue
		}
		sc.Failed++
		if r.Severity == health.SeverityCritical {
			sc.CriticalFailures++
		}
	}
	if sc.TotalRules > 0 {
		sc.ScorePercent = math.Round(float64(sc.Passed)/float64(sc.TotalRules)*1000) / 10
	}
	return sc, nil
}

func (e *Engine) Run(ctx context.Context) {
	if e.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("Validation scheduler started",
		zap.Int("rules", len(e.rules)),
		zap.Duration("interval", e.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Validation scheduler stopped")
			return
		case <-ticker.C:
			e.RunAll(ctx)
		}
	}
}
