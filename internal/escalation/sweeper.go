// Package escalation escalates incidents that stay active past a timeout.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/incident"
)

// Observer is notified of each escalation the sweeper performs.
type Observer interface {
	IncidentEscalated(inc *incident.Incident)
}

type Sweeper struct {
	manager  *incident.Manager
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	observer Observer
	logger   *zap.Logger
}

func NewSweeper(manager *incident.Manager, timeout, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		timeout:  timeout,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

func (s *Sweeper) SetObserver(o Observer) {
	s.observer = o
}

// Sweep escalates every DETECTED, INVESTIGATING or REMEDIATING incident
// detected before now-timeout. Lost races (the incident was resolved or
// escalated concurrently) are not errors. It returns the incidents it escalated.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, timeout time.Duration) ([]*incident.Incident, error) {
	stale, err := s.manager.ListStale(ctx, now.Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale incidents: %w", err)
	}

	var escalated []*incident.Incident
	for _, inc := range stale {
		updated, err := s.manager.Transition(ctx, inc.ID, incident.StatusEscalated, incident.TransitionOptions{
			Actor: incident.ActorEscalation,
		})
		switch {
		case errors.Is(err, incident.ErrInvalidTransition):
			continue
		case err != nil:
			s.logger.Error("Failed to escalate incident", zap.Int64("incident_id", inc.ID), zap.Error(err))
			continue
		}
		escalated = append(escalated, updated)
		if s.observer != nil {
			s.observer.IncidentEscalated(updated)
		}
		s.logger.Warn("Incident escalated",
			zap.Int64("incident_id", updated.ID),
			zap.String("type", updated.Type),
			zap.Duration("open_for", now.Sub(updated.DetectedAt)),
		)
	}
	return escalated, nil
}

// Run sweeps every interval until ctx is done. Each pass also retries
// postmortems that failed to generate.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Escalation sweeper started",
		zap.Duration("timeout", s.timeout),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Escalation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now(), s.timeout); err != nil {
				s.logger.Error("Escalation sweep failed", zap.Error(err))
			}
			if _, err := s.manager.ReconcilePostmortems(ctx); err != nil {
				s.logger.Error("Postmortem reconciliation failed", zap.Error(err))
			}
		}
	}
}
