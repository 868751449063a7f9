package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
)

type Outcome string

const (
	OutcomeResolved          Outcome = "resolved"
	OutcomeFailed            Outcome = "failed"
	OutcomeNoActionAvailable Outcome = "no_action_available"
	OutcomeAttemptsExhausted Outcome = "attempts_exhausted"
	OutcomeInProgress        Outcome = "in_progress"
	OutcomeNotEligible       Outcome = "not_eligible"
)

// Report describes what one Attempt call did.
type Report struct {
	IncidentID int64   `json:"incident_id"`
	Outcome    Outcome `json:"outcome"`
	Action     string  `json:"action,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// Observer is notified after every executor run.
type Observer interface {
	ActionFinished(action string, outcome Outcome, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) ActionFinished(string, Outcome, time.Duration) {}

type Config struct {
	// Timeout bounds a single executor run.
	Timeout time.Duration
	// MaxAttempts is the number of executor runs per incident after which
	// Attempt stops. AttemptNow ignores it.
	MaxAttempts int
}

// lockRetries bounds how often Attempt re-reads an incident whose status
// changed between the read and the REMEDIATING swap.
const lockRetries = 3

// Engine attempts automated remediation. Entering REMEDIATING is the
// per-incident lock; only the caller whose swap succeeds runs the action.
type Engine struct {
	manager  *incident.Manager
	plan     *Plan
	executor Executor
	cfg      Config
	observer Observer
	logger   *zap.Logger
}

func NewEngine(manager *incident.Manager, plan *Plan, executor Executor, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Engine{
		manager:  manager,
		plan:     plan,
		executor: executor,
		cfg:      cfg,
		observer: nopObserver{},
		logger:   logger,
	}
}

func (e *Engine) SetObserver(o Observer) {
	if o != nil {
		e.observer = o
	}
}

// Attempt runs the mapped action for an incident unless its attempt budget
// is spent. Executor failures, panics and timeouts become OutcomeFailed;
// only store errors are returned.
func (e *Engine) Attempt(ctx context.Context, id int64) (Report, error) {
	return e.attempt(ctx, id, true)
}

// AttemptNow is an operator-requested Attempt. It still records an attempt
// but is not limited by MaxAttempts.
func (e *Engine) AttemptNow(ctx context.Context, id int64) (Report, error) {
	return e.attempt(ctx, id, false)
}

func (e *Engine) attempt(ctx context.Context, id int64, budgeted bool) (Report, error) {
	report := Report{IncidentID: id}

	inc, action, outcome, err := e.lock(ctx, id, budgeted)
	if err != nil {
		return report, err
	}
	if outcome != "" {
		report.Outcome = outcome
		report.Action = action.Name
		return report, nil
	}
	report.Action = action.Name

	e.logger.Info("Executing remediation",
		zap.Int64("incident_id", id),
		zap.String("incident_type", inc.Type),
		zap.String("action", action.Name),
		zap.Bool("manual", !budgeted),
	)

	started := time.Now()
	result, runErr := e.run(ctx, action, inc)
	took := time.Since(started)

	// Bookkeeping must land even if the caller's context was cancelled
	// while the action ran.
	ctx = context.WithoutCancel(ctx)

	detail := result.Detail
	success := runErr == nil && result.Success
	if runErr != nil {
		detail = runErr.Error()
	}
	report.Detail = detail

	if err := e.manager.RecordAttempt(ctx, &incident.RemediationAttempt{
		IncidentID: id,
		ActionName: action.Name,
		Success:    success,
		Detail:     detail,
	}); err != nil {
		e.logger.Error("Failed to record remediation attempt", zap.Int64("incident_id", id), zap.Error(err))
	}

	if success {
		report.Outcome = OutcomeResolved
		_, err := e.manager.Transition(ctx, id, incident.StatusResolved, incident.TransitionOptions{
			ResolvedBy: incident.ResolvedByAuto,
			Actor:      incident.ActorRemediation,
		})
		if errors.Is(err, incident.ErrInvalidTransition) {
			e.logger.Info("Incident resolved elsewhere during remediation", zap.Int64("incident_id", id))
			err = nil
		}
		e.observer.ActionFinished(action.Name, report.Outcome, took)
		if err != nil {
			return report, fmt.Errorf("failed to resolve incident %d: %w", id, err)
		}
		e.logger.Info("Remediation succeeded",
			zap.Int64("incident_id", id),
			zap.String("action", action.Name),
			zap.Duration("took", took),
		)
		return report, nil
	}

	report.Outcome = OutcomeFailed
	e.observer.ActionFinished(action.Name, report.Outcome, took)
	e.logger.Warn("Remediation failed",
		zap.Int64("incident_id", id),
		zap.String("action", action.Name),
		zap.String("detail", detail),
	)

	// An escalation that happened meanwhile is kept; only REMEDIATING reverts.
	_, err = e.manager.CompareAndTransition(ctx, id, incident.StatusRemediating, incident.StatusInvestigating,
		incident.TransitionOptions{Actor: incident.ActorRemediation})
	if err != nil && !errors.Is(err, incident.ErrConflict) {
		return report, fmt.Errorf("failed to reopen incident %d: %w", id, err)
	}
	return report, nil
}

// lock moves the incident into REMEDIATING. A non-empty outcome means the
// attempt stops there.
func (e *Engine) lock(ctx context.Context, id int64, budgeted bool) (*incident.Incident, Action, Outcome, error) {
	for i := 0; i < lockRetries; i++ {
		inc, err := e.manager.Get(ctx, id)
		if err != nil {
			return nil, Action{}, "", err
		}

		switch inc.Status {
		case incident.StatusRemediating:
			return inc, Action{}, OutcomeInProgress, nil
		case incident.StatusResolved, incident.StatusEscalated:
			return inc, Action{}, OutcomeNotEligible, nil
		}

		action, ok := e.plan.Lookup(inc.Type)
		if !ok {
			e.logger.Debug("No remediation mapped for incident type", zap.String("incident_type", inc.Type))
			return inc, Action{}, OutcomeNoActionAvailable, nil
		}

		if budgeted {
			count, err := e.manager.CountAttempts(ctx, id)
			if err != nil {
				return nil, Action{}, "", err
			}
			if count >= e.cfg.MaxAttempts {
				return inc, action, OutcomeAttemptsExhausted, nil
			}
		}

		locked, err := e.manager.CompareAndTransition(ctx, id, inc.Status, incident.StatusRemediating,
			incident.TransitionOptions{Actor: incident.ActorRemediation})
		if errors.Is(err, incident.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, Action{}, "", err
		}
		return locked, action, "", nil
	}

	return nil, Action{}, OutcomeInProgress, nil
}

type runResult struct {
	result Result
	err    error
}

func (e *Engine) run(ctx context.Context, action Action, inc *incident.Incident) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("action %s panicked: %v", action.Name, r)}
			}
		}()
		res, err := e.executor.Run(ctx, action, inc)
		done <- runResult{result: res, err: err}
	}()

	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("action %s timed out after %s: %w", action.Name, e.cfg.Timeout, ctx.Err())
	}
}

// RemediateOpen attempts every incident that is DETECTED or INVESTIGATING.
func (e *Engine) RemediateOpen(ctx context.Context) ([]Report, error) {
	open, err := e.manager.List(ctx, incident.Filter{
		Statuses: []incident.Status{incident.StatusDetected, incident.StatusInvestigating},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}

	reports := make([]Report, 0, len(open))
	for _, inc := range open {
		if ctx.Err() != nil {
			break
		}
		r, err := e.Attempt(ctx, inc.ID)
		if err != nil {
			e.logger.Error("Remediation attempt failed", zap.Int64("incident_id", inc.ID), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Eligible reports whether an incident could be attempted right now without
// touching the executor.
func (e *Engine) Eligible(inc *incident.Incident) bool {
	if inc.Status != incident.StatusDetected && inc.Status != incident.StatusInvestigating {
		return false
	}
	_, ok := e.plan.Lookup(inc.Type)
	return ok
}
