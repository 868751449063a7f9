package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	healthcheck "github.com/alexliesenfeld/health"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/api"
	"github.com/namansh70747/sentinel/internal/chaos"
	"github.com/namansh70747/sentinel/internal/core"
	"github.com/namansh70747/sentinel/internal/escalation"
	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/metrics"
	"github.com/namansh70747/sentinel/internal/monitor"
	"github.com/namansh70747/sentinel/internal/notify"
	"github.com/namansh70747/sentinel/internal/observer"
	"github.com/namansh70747/sentinel/internal/remediation"
	"github.com/namansh70747/sentinel/internal/storage"
	"github.com/namansh70747/sentinel/internal/validation"
	"github.com/namansh70747/sentinel/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor, remediation, escalation and API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// engine holds everything serve wires together.
type engine struct {
	db         *storage.PostgresClient
	publisher  notify.Publisher
	manager    *incident.Manager
	dispatcher *remediation.Dispatcher
	poller     *monitor.Poller
	sweeper    *escalation.Sweeper
	jobs       *jobs.Runner
	validator  *validation.Engine
	server     *http.Server
}

func serve(ctx context.Context, cfg *core.Config) error {
	e, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	if n, err := e.manager.ReconcileStuck(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	} else if n > 0 {
		logger.Warn("Released incidents left in remediation", zap.Int("count", n))
	}
	if _, err := e.manager.ReconcilePostmortems(ctx); err != nil {
		logger.Error("Postmortem reconciliation failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	if e.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.poller.Run(ctx)
		}()
	} else {
		logger.Warn("No metric sources enabled; monitor loop not started")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweeper.Run(ctx)
	}()

	if e.jobs != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.jobs.Run(ctx)
		}()
	}
	if e.validator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.validator.Run(ctx)
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server started", zap.String("addr", e.server.Addr))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	wg.Wait()
	if err := e.dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Remediation did not drain before shutdown", zap.Error(err))
	}
	logger.Info("Sentinel stopped")
	return nil
}

func build(ctx context.Context, cfg *core.Config) (*engine, error) {
	e := &engine{publisher: notify.Nop{}}
	instruments := metrics.New()

	var (
		store   incident.Store
		sources []observer.Source
		checks  []healthcheck.Check
	)

	if cfg.Database.Enabled {
		db, err := connectDatabase(cfg)
		if err != nil {
			return nil, err
		}
		e.db = db
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				e.close()
				return nil, err
			}
		}
		store = db
	} else {
		logger.Warn("Database disabled; incidents are kept in memory only")
		store = incident.NewMemoryStore()
	}

	if cfg.Notifier.Enabled {
		pub, err := notify.NewNATSPublisher(notify.Options{
			URL:           cfg.Notifier.URL,
			SubjectPrefix: cfg.Notifier.SubjectPrefix,
			Name:          cfg.App.Name,
		}, logger.Named("notify"))
		if err != nil {
			e.close()
			return nil, err
		}
		e.publisher = pub
		checks = append(checks, healthcheck.Check{Name: "nats", Timeout: 3 * time.Second, Check: pub.Health})
	}

	e.manager = incident.NewManager(store, logger.Named("incident"),
		incident.WithEventSink(e.publisher),
		incident.WithObserver(instruments),
		incident.WithIncidentTypes(cfg.IncidentTypes()...),
	)

	executors := remediation.NewRouter()
	if cfg.Kubernetes.Enabled {
		clientset, err := observer.NewKubernetesClientset(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("kubernetes client init failed: %w", err)
		}
		executors.Register(remediation.NewKubernetesExecutor(clientset, cfg.Kubernetes.Namespace, logger.Named("remediation.kubernetes")))
		sources = append(sources, observer.NewKubernetesCollector(clientset, cfg.Kubernetes.Namespace, cfg.Kubernetes.Selector, logger.Named("observer.kubernetes")))
	}
	if e.db != nil && cfg.Jobs.Enabled {
		runner, err := jobs.NewRunner(e.db.Pool(), e.db, e.manager, cfg.JobDefinitions(), jobs.Config{
			CheckInterval: cfg.Jobs.CheckInterval.Duration,
			Severity:      health.Severity(cfg.Jobs.Severity),
		}, logger.Named("jobs"))
		if err != nil {
			e.close()
			return nil, err
		}
		runner.SetObserver(instruments)
		e.jobs = runner
		executors.Register(jobs.NewExecutor(runner))
	}
	if e.db != nil && cfg.Validation.Enabled {
		validator, err := validation.NewEngine(e.db.Pool(), e.db, e.manager, cfg.Validation.Rules, validation.Config{
			Interval:    cfg.Validation.Interval.Duration,
			RuleTimeout: cfg.Validation.RuleTimeout.Duration,
			Report:      cfg.Validation.Report,
		}, logger.Named("validation"))
		if err != nil {
			e.close()
			return nil, err
		}
		validator.SetObserver(instruments)
		e.validator = validator
	}
	if e.db != nil && cfg.Database.Sessions {
		executors.Register(remediation.NewPostgresExecutor(e.db.Pool(), logger.Named("remediation.postgres")))
		sources = append(sources, observer.NewPostgresCollector(e.db.Pool(), cfg.Monitor.LongQueryThreshold.Duration))
	}
	if cfg.Prometheus.Enabled {
		prom, err := observer.NewPrometheusCollector(cfg.Prometheus.URL, cfg.Prometheus.Queries, cfg.Prometheus.Timeout.Duration, logger.Named("observer.prometheus"))
		if err != nil {
			e.close()
			return nil, err
		}
		sources = append(sources, prom)
	}

	plan := cfg.Plan()
	if err := plan.Check(cfg.IncidentTypes(), executors.Supports); err != nil {
		e.close()
		return nil, fmt.Errorf("invalid remediation plan for enabled integrations: %w", err)
	}

	remediator := remediation.NewEngine(e.manager, plan, executors, remediation.Config{
		Timeout:     cfg.Remediation.Timeout.Duration,
		MaxAttempts: cfg.Remediation.MaxAttempts,
	}, logger.Named("remediation"))
	remediator.SetObserver(instruments)
	e.dispatcher = remediation.NewDispatcher(remediator, cfg.Remediation.MaxConcurrent, logger.Named("dispatcher"))

	deps := api.Deps{
		Manager:    e.manager,
		Remediator: remediator,
		InFlight:   e.dispatcher,
		Metrics:    instruments.Handler(),
	}

	if len(sources) > 0 {
		for _, src := range sources {
			checks = append(checks, healthcheck.Check{Name: src.Name(), Timeout: 5 * time.Second, Check: src.Health})
		}
		e.poller = monitor.NewPoller(observer.NewMultiCollector(logger.Named("observer"), sources...), e.manager, monitor.Config{
			Interval:      cfg.Monitor.PollInterval.Duration,
			Rules:         cfg.Thresholds,
			MinSeverity:   health.Severity(cfg.Monitor.MinIncidentSeverity),
			AutoRemediate: cfg.Monitor.AutoRemediate,
		}, logger.Named("monitor"))
		e.poller.SetRemediation(e.dispatcher, remediator.Eligible)
		e.poller.SetObserver(instruments)
		deps.Monitor = e.poller
	}

	e.sweeper = escalation.NewSweeper(e.manager, cfg.Escalation.Timeout.Duration, cfg.Escalation.SweepInterval.Duration, logger.Named("escalation"))
	e.sweeper.SetObserver(instruments)

	if cfg.Chaos.Enabled {
		injector := chaos.NewInjector(e.manager, cfg.ChaosScenarios(), cfg.Chaos.Cooldown.Duration, logger.Named("chaos"))
		injector.SetObserver(instruments)
		deps.Chaos = injector
		logger.Warn("Chaos injection enabled", zap.Int("scenarios", len(cfg.ChaosScenarios())))
	}
	if e.jobs != nil {
		deps.Jobs = e.jobs
	}
	if e.validator != nil {
		deps.Validation = e.validator
	}
	deps.Checks = checks

	router := api.NewRouter(deps, api.Config{
		Name:      cfg.App.Name,
		Version:   cfg.App.Version,
		Debug:     cfg.App.LogLevel == "debug",
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
	}, logger.Named("api"))

	e.server = &http.Server{
		Addr:           cfg.API.Addr,
		Handler:        router,
		ReadTimeout:    cfg.API.ReadTimeout.Duration,
		WriteTimeout:   cfg.API.WriteTimeout.Duration,
		MaxHeaderBytes: 1 << 20,
	}

	logger.Info("Sentinel initialized",
		zap.String("store", storeKind(cfg)),
		zap.Strings("actions", executors.Actions()),
		zap.Int("sources", len(sources)),
		zap.Int("rules", len(cfg.Thresholds)),
		zap.Bool("jobs", e.jobs != nil),
		zap.Bool("validation", e.validator != nil),
		zap.Bool("auto_remediate", cfg.Monitor.AutoRemediate),
	)
	return e, nil
}

func (e *engine) close() {
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}
