// Package chaos injects simulated faults. A triggered scenario reports a
// breach through the lifecycle manager like any other detection.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
)

const SourceChaos = "chaos"

var (
	ErrUnknownScenario = errors.New("unknown chaos scenario")
	ErrOnCooldown      = errors.New("chaos scenario on cooldown")
	ErrAllOnCooldown   = errors.New("all chaos scenarios on cooldown")
)

type Scenario struct {
	Name        string          `yaml:"name" json:"name" validate:"required"`
	Description string          `yaml:"description" json:"description"`
	Severity    health.Severity `yaml:"severity" json:"severity" validate:"oneof=warning critical"`
	Metric      string          `yaml:"metric" json:"metric"`
	Value       float64         `yaml:"value" json:"value"`
	// EffectURL, when set, receives a POST to induce the fault in the target.
	EffectURL string        `yaml:"effect_url,omitempty" json:"effect_url,omitempty"`
	Cooldown  time.Duration `yaml:"-" json:"-"`
}

// Type is the incident type a scenario reports.
func (s Scenario) Type() string {
	return "chaos:" + s.Name
}

func (s Scenario) DedupKey() string {
	return "chaos_" + s.Name
}

// Status is a scenario as listed by the API.
type Status struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Severity          health.Severity `json:"severity"`
	OnCooldown        bool            `json:"on_cooldown"`
	CooldownRemaining int             `json:"cooldown_remaining_s"`
}

// Outcome is the result of a trigger.
type Outcome struct {
	Scenario   string             `json:"scenario"`
	IncidentID int64              `json:"incident_id"`
	Created    bool               `json:"created"`
	Incident   *incident.Incident `json:"incident,omitempty"`
}

type Reporter interface {
	ReportBreach(ctx context.Context, event health.BreachEvent) (*incident.Incident, bool, error)
}

type Observer interface {
	ChaosTriggered(scenario string)
}

type Injector struct {
	reporter  Reporter
	scenarios map[string]Scenario
	cooldowns *ttlcache.Cache[string, struct{}]
	client    *http.Client
	observer  Observer
	mu        sync.Mutex
	logger    *zap.Logger
}

func NewInjector(reporter Reporter, scenarios []Scenario, defaultCooldown time.Duration, logger *zap.Logger) *Injector {
	if defaultCooldown <= 0 {
		defaultCooldown = 30 * time.Second
	}
	byName := make(map[string]Scenario, len(scenarios))
	for _, s := range scenarios {
		if s.Cooldown <= 0 {
			s.Cooldown = defaultCooldown
		}
		byName[s.Name] = s
	}

	return &Injector{
		reporter:  reporter,
		scenarios: byName,
		cooldowns: ttlcache.New[string, struct{}](
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (i *Injector) SetObserver(o Observer) {
	i.observer = o
}

// Types lists the incident types the injector can report.
func (i *Injector) Types() []string {
	types := lo.Map(lo.Values(i.scenarios), func(s Scenario, _ int) string { return s.Type() })
	slices.Sort(types)
	return types
}

func (i *Injector) List() []Status {
	names := lo.Keys(i.scenarios)
	slices.Sort(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		s := i.scenarios[name]
		remaining := i.remaining(name)
		out = append(out, Status{
			Name:              s.Name,
			Description:       s.Description,
			Severity:          s.Severity,
			OnCooldown:        remaining > 0,
			CooldownRemaining: int(remaining.Round(time.Second) / time.Second),
		})
	}
	return out
}

func (i *Injector) remaining(name string) time.Duration {
	item := i.cooldowns.Get(name)
	if item == nil {
		return 0
	}
	return max(time.Until(item.ExpiresAt()), 0)
}

// Trigger fires a scenario unless it is cooling down. The breach goes
// through ReportBreach, so a repeated trigger while the incident is open
// is absorbed.
func (i *Injector) Trigger(ctx context.Context, name string) (Outcome, error) {
	s, ok := i.scenarios[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
	}

	i.mu.Lock()
	if remaining := i.remaining(name); remaining > 0 {
		i.mu.Unlock()
		return Outcome{Scenario: name}, fmt.Errorf("%w: %s for %s", ErrOnCooldown, name, remaining.Round(time.Second))
	}
	i.cooldowns.Set(name, struct{}{}, s.Cooldown)
	i.mu.Unlock()

	i.logger.Info("Triggering chaos scenario", zap.String("scenario", name))
	i.applyEffect(ctx, s)

	metric := s.Metric
	if metric == "" {
		metric = s.Name
	}
	inc, created, err := i.reporter.ReportBreach(ctx, health.BreachEvent{
		Metric:   metric,
		Type:     s.Type(),
		Severity: s.Severity,
		Value:    s.Value,
		DedupKey: s.DedupKey(),
		Source:   SourceChaos,
		Detected: time.Now().UTC(),
	})
	if err != nil {
		return Outcome{Scenario: name}, fmt.Errorf("failed to report chaos breach: %w", err)
	}

	if i.observer != nil {
		i.observer.ChaosTriggered(name)
	}
	return Outcome{Scenario: name, IncidentID: inc.ID, Created: created, Incident: inc}, nil
}

// TriggerRandom fires one scenario that is not cooling down.
func (i *Injector) TriggerRandom(ctx context.Context) (Outcome, error) {
	available := lo.Filter(lo.Keys(i.scenarios), func(name string, _ int) bool {
		return i.remaining(name) == 0
	})
	if len(available) == 0 {
		return Outcome{}, ErrAllOnCooldown
	}
	return i.Trigger(ctx, lo.Sample(available))
}

func (i *Injector) applyEffect(ctx context.Context, s Scenario) {
	if s.EffectURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.EffectURL, nil)
	if err != nil {
		i.logger.Warn("Invalid chaos effect URL", zap.String("scenario", s.Name), zap.Error(err))
		return
	}
	resp, err := i.client.Do(req)
	if err != nil {
		i.logger.Warn("Chaos effect request failed", zap.String("scenario", s.Name), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		i.logger.Warn("Chaos effect rejected", zap.String("scenario", s.Name), zap.Int("status", resp.StatusCode))
	}
}
