// Package api exposes the incident engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	healthcheck "github.com/alexliesenfeld/health"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/chaos"
	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/remediation"
	"github.com/namansh70747/sentinel/internal/validation"
)

type Remediator interface {
	AttemptNow(ctx context.Context, id int64) (remediation.Report, error)
}

type AssessmentSource interface {
	Latest() (health.Assessment, bool)
}

type ChaosInjector interface {
	List() []chaos.Status
	Trigger(ctx context.Context, name string) (chaos.Outcome, error)
	TriggerRandom(ctx context.Context) (chaos.Outcome, error)
}

type JobRunner interface {
	List() []jobs.Status
	History(ctx context.Context, name string, limit int) ([]*jobs.Run, error)
	Trigger(ctx context.Context, name string, trigger jobs.Trigger) (*jobs.Run, error)
}

type Validator interface {
	Rules() []validation.Rule
	RunAll(ctx context.Context) validation.Summary
	RunRule(ctx context.Context, name string) (*validation.Result, error)
	Results(ctx context.Context, limit int) ([]*validation.Result, error)
	Scorecard(ctx context.Context) (validation.Scorecard, error)
}

type InFlightCounter interface {
	InFlight() int
}

type Config struct {
	Name    string
	Version string
	Debug   bool
	// RateLimit is the per-client request rate on mutating routes. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Deps are the engine components the API reads from and drives. Only
// Manager is required; routes for missing components are not registered.
type Deps struct {
	Manager    *incident.Manager
	Remediator Remediator
	Monitor    AssessmentSource
	Chaos      ChaosInjector
	Jobs       JobRunner
	Validation Validator
	InFlight   InFlightCounter
	Metrics    http.Handler
	// Checks are added to the store check served on /health.
	Checks []healthcheck.Check
}

type server struct {
	deps    Deps
	cfg     Config
	started time.Time
	logger  *zap.Logger
}

// NewRouter builds the gin engine with every route and middleware.
func NewRouter(deps Deps, cfg Config, logger *zap.Logger) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &server{deps: deps, cfg: cfg, started: time.Now(), logger: logger}
	limiter := newRateLimiter(cfg.RateLimit, cfg.RateBurst)

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), ginLogger(logger))

	router.GET("/health", gin.WrapH(healthcheck.NewHandler(s.healthChecker())))
	router.GET("/ready", s.readyHandler())
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.statusHandler())
		v1.GET("/health/latest", s.latestHealthHandler())

		// Incident endpoints
		v1.GET("/incidents", s.listIncidentsHandler())
		v1.GET("/incidents/open", s.openIncidentsHandler())
		v1.POST("/incidents", limiter.middleware(), s.createIncidentHandler())
		v1.GET("/incidents/:id", s.getIncidentHandler())
		v1.PATCH("/incidents/:id", limiter.middleware(), s.updateIncidentHandler())
		v1.GET("/incidents/:id/attempts", s.attemptsHandler())
		v1.GET("/incidents/:id/history", s.historyHandler())
		v1.GET("/incidents/:id/postmortem", s.postmortemHandler())
		if deps.Remediator != nil {
			v1.POST("/incidents/:id/remediate", limiter.middleware(), s.remediateHandler())
		}

		// Reporting endpoints
		v1.GET("/postmortems", s.postmortemsHandler())
		v1.GET("/reports/sla", s.slaHandler())

		// Chaos endpoints
		if deps.Chaos != nil {
			v1.GET("/chaos/scenarios", s.chaosScenariosHandler())
			v1.POST("/chaos/scenarios/:name/trigger", limiter.middleware(), s.chaosTriggerHandler())
			v1.POST("/chaos/random", limiter.middleware(), s.chaosRandomHandler())
		}

		// Job endpoints
		if deps.Jobs != nil {
			v1.GET("/jobs", s.listJobsHandler())
			v1.GET("/jobs/history", s.jobHistoryHandler())
			v1.GET("/jobs/:name/history", s.jobHistoryHandler())
			v1.POST("/jobs/:name/trigger", limiter.middleware(), s.triggerJobHandler())
		}

		// Validation endpoints
		if deps.Validation != nil {
			v1.GET("/validation/rules", s.validationRulesHandler())
			v1.POST("/validation/run", limiter.middleware(), s.validationRunHandler())
			v1.GET("/validation/results", s.validationResultsHandler())
			v1.GET("/validation/scorecard", s.scorecardHandler())
		}
	}

	return router
}

func (s *server) healthChecker() healthcheck.Checker {
	opts := []healthcheck.CheckerOption{
		healthcheck.WithCacheDuration(time.Second),
		healthcheck.WithTimeout(5 * time.Second),
		healthcheck.WithCheck(healthcheck.Check{
			Name:    "store",
			Timeout: 3 * time.Second,
			Check:   s.deps.Manager.Store().Health,
		}),
		healthcheck.WithStatusListener(func(_ context.Context, state healthcheck.CheckerState) {
			s.logger.Info("Health status changed", zap.String("status", string(state.Status)))
		}),
	}
	for _, check := range s.deps.Checks {
		opts = append(opts, healthcheck.WithCheck(check))
	}
	return healthcheck.NewChecker(opts...)
}

func (s *server) readyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := s.deps.Manager.Store().Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": "incident store unavailable",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "ready",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func (s *server) statusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		open, err := s.deps.Manager.ListOpen(ctx)
		if err != nil {
			s.respondError(c, err)
			return
		}

		body := gin.H{
			"service":        s.cfg.Name,
			"version":        s.cfg.Version,
			"uptime_seconds": int(time.Since(s.started).Seconds()),
			"open_incidents": len(open),
			"health":         "unknown",
			"timestamp":      time.Now().Format(time.RFC3339),
		}
		if s.deps.Monitor != nil {
			if latest, ok := s.deps.Monitor.Latest(); ok {
				body["health"] = latest.Status
			}
		}
		if s.deps.InFlight != nil {
			body["remediations_in_flight"] = s.deps.InFlight.InFlight()
		}
		c.JSON(http.StatusOK, body)
	}
}

func (s *server) latestHealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Monitor == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "monitoring is not enabled"})
			return
		}
		latest, ok := s.deps.Monitor.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no health sample collected yet"})
			return
		}
		c.JSON(http.StatusOK, latest)
	}
}
