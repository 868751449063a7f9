package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/remediation"
)

// ActionRestart re-runs a failed job.
const ActionRestart = "restart_failed_job"

// Executor serves restart_failed_job. The job is the action's "job"
// parameter, or the one named by the incident's dedup key.
type Executor struct {
	runner *Runner
}

func NewExecutor(runner *Runner) *Executor {
	return &Executor{runner: runner}
}

func (e *Executor) Actions() []string {
	return []string{ActionRestart}
}

func (e *Executor) Run(ctx context.Context, action remediation.Action, inc *incident.Incident) (remediation.Result, error) {
	if action.Name != ActionRestart {
		return remediation.Result{}, fmt.Errorf("job executor does not handle %q", action.Name)
	}

	name := action.String("job", "")
	if name == "" && inc != nil && inc.DedupKey != nil {
		name, _ = NameFromDedupKey(*inc.DedupKey)
	}
	if name == "" {
		return remediation.Result{}, errors.New("restart_failed_job requires a job parameter")
	}

	run, err := e.runner.Trigger(ctx, name, TriggerRemediation)
	if err != nil {
		return remediation.Result{}, fmt.Errorf("failed to restart job %s: %w", name, err)
	}
	if run.Status != StatusSuccess {
		return remediation.Result{Detail: fmt.Sprintf("job %s failed again: %s", name, run.Error)}, nil
	}
	return remediation.Result{
		Success: true,
		Detail:  fmt.Sprintf("job %s re-ran: %d rows in %dms", name, run.RowsAffected, run.DurationMS),
	}, nil
}
