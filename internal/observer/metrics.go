// Package observer samples the monitored system into health samples.
package observer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/health"
)

// Source produces named metrics from one backend.
type Source interface {
	Name() string
	Collect(ctx context.Context) (map[string]float64, error)
	Health(ctx context.Context) error
}

// MultiCollector merges several sources into one health sample. A failing
// source is logged and skipped; the sample fails only when all of them do.
type MultiCollector struct {
	sources []Source
	now     func() time.Time
	logger  *zap.Logger
}

func NewMultiCollector(logger *zap.Logger, sources ...Source) *MultiCollector {
	return &MultiCollector{
		sources: sources,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

func (m *MultiCollector) Sources() []Source {
	return m.sources
}

func (m *MultiCollector) Sample(ctx context.Context) (health.HealthSample, error) {
	if len(m.sources) == 0 {
		return health.HealthSample{}, errors.New("no metric sources configured")
	}

	metrics := map[string]float64{}
	var errs []error
	for _, src := range m.sources {
		values, err := src.Collect(ctx)
		if err != nil {
			m.logger.Warn("Metric source failed", zap.String("source", src.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		for k, v := range values {
			if !finite(v) {
				m.logger.Debug("Dropping non-finite metric", zap.String("source", src.Name()), zap.String("metric", k))
				continue
			}
			metrics[k] = v
		}
	}

	if len(errs) == len(m.sources) {
		return health.HealthSample{}, errors.Join(errs...)
	}
	return health.NewSample(m.now(), metrics), nil
}

// finite reports whether v can be evaluated and encoded as JSON.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
