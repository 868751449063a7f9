package remediation

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/namansh70747/sentinel/internal/incident"
)

// Result is what an executor reports back for one action run.
type Result struct {
	Success bool
	Detail  string
}

// Executor performs remediation actions against the monitored system.
// Idempotency of an action is the executor's concern.
type Executor interface {
	Run(ctx context.Context, action Action, inc *incident.Incident) (Result, error)
	Actions() []string
}

// Router dispatches actions to the executor that registered them.
type Router struct {
	routes map[string]Executor
}

func NewRouter(executors ...Executor) *Router {
	r := &Router{routes: map[string]Executor{}}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds every action e handles. Later registrations win.
func (r *Router) Register(e Executor) {
	for _, name := range e.Actions() {
		r.routes[name] = e
	}
}

func (r *Router) Supports(action string) bool {
	_, ok := r.routes[action]
	return ok
}

func (r *Router) Actions() []string {
	names := lo.Keys(r.routes)
	slices.Sort(names)
	return names
}

func (r *Router) Run(ctx context.Context, action Action, inc *incident.Incident) (Result, error) {
	e, ok := r.routes[action.Name]
	if !ok {
		return Result{}, fmt.Errorf("no executor registered for action %q", action.Name)
	}
	return e.Run(ctx, action, inc)
}

// FuncExecutor adapts a function into an Executor for a fixed set of actions.
type FuncExecutor struct {
	Names []string
	Fn    func(ctx context.Context, action Action, inc *incident.Incident) (Result, error)
}

func (f FuncExecutor) Run(ctx context.Context, action Action, inc *incident.Incident) (Result, error) {
	return f.Fn(ctx, action, inc)
}

func (f FuncExecutor) Actions() []string {
	return f.Names
}
