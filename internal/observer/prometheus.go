package observer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// PrometheusCollector evaluates one instant query per metric.
type PrometheusCollector struct {
	api     promv1.API
	url     string
	queries map[string]string
	timeout time.Duration
	logger  *zap.Logger
}

// NewPrometheusCollector builds a collector for metric name → PromQL pairs.
func NewPrometheusCollector(prometheusURL string, queries map[string]string, timeout time.Duration, logger *zap.Logger) (*PrometheusCollector, error) {
	client, err := promapi.NewClient(promapi.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &PrometheusCollector{
		api:     promv1.NewAPI(client),
		url:     prometheusURL,
		queries: maps.Clone(queries),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (p *PrometheusCollector) Name() string {
	return "prometheus"
}

// Collect returns the metrics whose query produced a value. Queries with an
// empty result are left out; the collection fails only if every query errors.
func (p *PrometheusCollector) Collect(ctx context.Context) (map[string]float64, error) {
	metrics := make(map[string]float64, len(p.queries))
	var errs []error

	names := slices.Sorted(maps.Keys(p.queries))
	for _, name := range names {
		value, ok, err := p.queryValue(ctx, p.queries[name])
		if err != nil {
			p.logger.Warn("Failed to query metric",
				zap.String("metric", name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if ok {
			metrics[name] = value
		}
	}

	if len(names) > 0 && len(errs) == len(names) {
		return nil, errors.Join(errs...)
	}
	return metrics, nil
}

func (p *PrometheusCollector) queryValue(ctx context.Context, query string) (float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, warnings, err := p.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, false, fmt.Errorf("prometheus query failed: %w", err)
	}
	if len(warnings) > 0 {
		p.logger.Warn("Prometheus query warnings",
			zap.String("query", query),
			zap.Strings("warnings", warnings),
		)
	}

	var value float64
	switch v := result.(type) {
	case model.Vector:
		if len(v) == 0 {
			return 0, false, nil
		}
		value = float64(v[0].Value)
	case *model.Scalar:
		value = float64(v.Value)
	default:
		return 0, false, fmt.Errorf("unexpected result type: %T", result)
	}

	// histogram_quantile and ratios yield NaN or Inf with no traffic.
	if !finite(value) {
		return 0, false, nil
	}
	return value, true, nil
}

func (p *PrometheusCollector) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, _, err := p.api.Query(ctx, "up", time.Now())
	if err != nil {
		return fmt.Errorf("prometheus health check failed: %w", err)
	}
	return nil
}
