// Package monitor runs the polling loop: sample, evaluate, report breaches
// and hand new incidents to remediation.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
)

type Collector interface {
	Sample(ctx context.Context) (health.HealthSample, error)
}

type Dispatcher interface {
	Dispatch(id int64) bool
}

type Observer interface {
	PollCompleted(a health.Assessment, took time.Duration)
	PollFailed()
}

type Config struct {
	Interval      time.Duration
	Rules         []health.ThresholdRule
	MinSeverity   health.Severity
	AutoRemediate bool
}

// CycleResult summarises one poll.
type CycleResult struct {
	Assessment health.Assessment
	Created    []int64
	Absorbed   []int64
	Dispatched []int64
}

type Poller struct {
	collector  Collector
	manager    *incident.Manager
	cfg        Config
	dispatcher Dispatcher
	eligible   func(*incident.Incident) bool
	observer   Observer
	now        func() time.Time
	logger     *zap.Logger

	mu     sync.RWMutex
	latest *health.Assessment
}

func NewPoller(collector Collector, manager *incident.Manager, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = health.SeverityWarning
	}
	return &Poller{
		collector: collector,
		manager:   manager,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// SetRemediation enables dispatching. eligible filters open incidents that
// were not created in the current cycle.
func (p *Poller) SetRemediation(d Dispatcher, eligible func(*incident.Incident) bool) {
	p.dispatcher = d
	p.eligible = eligible
}

func (p *Poller) SetObserver(o Observer) {
	p.observer = o
}

// Latest returns the most recent assessment, if any poll has run.
func (p *Poller) Latest() (health.Assessment, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return health.Assessment{}, false
	}
	return *p.latest, true
}

func (p *Poller) setLatest(a health.Assessment) {
	p.mu.Lock()
	p.latest = &a
	p.mu.Unlock()
}

// Poll runs one cycle. A collector failure skips the cycle and is returned;
// errors reporting individual breaches are logged and do not stop the cycle.
func (p *Poller) Poll(ctx context.Context) (CycleResult, error) {
	started := time.Now()

	sample, err := p.sample(ctx)
	if err != nil {
		p.logger.Warn("Health sample failed, skipping cycle", zap.Error(err))
		p.setLatest(health.Assessment{
			Sample: health.HealthSample{CapturedAt: p.now(), Status: health.StatusError},
			Status: health.StatusError,
			Error:  err.Error(),
		})
		if p.observer != nil {
			p.observer.PollFailed()
		}
		return CycleResult{}, err
	}

	assessment := health.Assess(sample, p.cfg.Rules)
	p.setLatest(assessment)
	result := CycleResult{Assessment: assessment}

	minRank := p.cfg.MinSeverity.Rank()
	for _, event := range assessment.Events {
		if event.Severity.Rank() < minRank {
			continue
		}
		if event.Detected.IsZero() {
			event.Detected = sample.CapturedAt
		}
		inc, created, err := p.manager.ReportBreach(ctx, event)
		if err != nil {
			if errors.Is(err, incident.ErrConfiguration) {
				p.logger.Error("Breach rejected by incident manager",
					zap.String("type", event.Type),
					zap.Error(err))
			} else {
				p.logger.Warn("Failed to report breach", zap.String("type", event.Type), zap.Error(err))
			}
			continue
		}
		if created {
			result.Created = append(result.Created, inc.ID)
		} else {
			result.Absorbed = append(result.Absorbed, inc.ID)
		}
	}

	if p.cfg.AutoRemediate && p.dispatcher != nil {
		result.Dispatched = p.dispatch(ctx, result.Created)
	}

	took := time.Since(started)
	if p.observer != nil {
		p.observer.PollCompleted(assessment, took)
	}
	p.logger.Debug("Poll completed",
		zap.String("status", string(assessment.Status)),
		zap.Int("breaches", len(assessment.Events)),
		zap.Int("created", len(result.Created)),
		zap.Duration("took", took),
	)
	return result, nil
}

// sample turns a collector panic into a failed cycle.
func (p *Poller) sample(ctx context.Context) (sample health.HealthSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health collector panicked: %v", r)
		}
	}()
	return p.collector.Sample(ctx)
}

func (p *Poller) dispatch(ctx context.Context, created []int64) []int64 {
	var dispatched []int64
	seen := make(map[int64]bool, len(created))
	for _, id := range created {
		seen[id] = true
		if p.dispatcher.Dispatch(id) {
			dispatched = append(dispatched, id)
		}
	}

	open, err := p.manager.ListOpen(ctx)
	if err != nil {
		p.logger.Warn("Failed to list open incidents for remediation", zap.Error(err))
		return dispatched
	}
	for _, inc := range open {
		if seen[inc.ID] || (p.eligible != nil && !p.eligible(inc)) {
			continue
		}
		if p.dispatcher.Dispatch(inc.ID) {
			dispatched = append(dispatched, inc.ID)
		}
	}
	return dispatched
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Monitor started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("rules", len(p.cfg.Rules)),
		zap.Bool("auto_remediate", p.cfg.AutoRemediate),
	)

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Monitor stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
