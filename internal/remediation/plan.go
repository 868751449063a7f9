// Package remediation maps incident types to automated actions, runs them
// through executors and reports the outcome to the lifecycle manager.
package remediation

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/namansh70747/sentinel/internal/incident"
)

// ActionNone marks an incident type that deliberately has no automated fix.
const ActionNone = "none"

// Action is a named remediation with executor-specific parameters.
type Action struct {
	Name   string            `yaml:"action" json:"action"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

func (a Action) String(key, def string) string {
	if v, ok := a.Params[key]; ok && v != "" {
		return v
	}
	return def
}

func (a Action) Int(key string, def int) int {
	v, ok := a.Params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (a Action) Duration(key string, def time.Duration) time.Duration {
	v, ok := a.Params[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Plan is the closed mapping from incident type to action. Every type the
// system can produce must have an entry, even if the entry is ActionNone.
type Plan struct {
	actions map[string]Action
}

func NewPlan(actions map[string]Action) *Plan {
	p := &Plan{actions: make(map[string]Action, len(actions))}
	for t, a := range actions {
		p.actions[t] = a
	}
	return p
}

// Lookup returns the action for an incident type. ok is false for
// ActionNone and for unmapped types.
func (p *Plan) Lookup(incidentType string) (Action, bool) {
	a, ok := p.actions[incidentType]
	if !ok || a.Name == ActionNone {
		return Action{}, false
	}
	return a, true
}

func (p *Plan) Types() []string {
	types := lo.Keys(p.actions)
	slices.Sort(types)
	return types
}

// Check verifies that every declared type has an entry and that every
// mapped action is supported by the executor.
func (p *Plan) Check(types []string, supports func(action string) bool) error {
	var errs []error
	for _, t := range types {
		if _, ok := p.actions[t]; !ok {
			errs = append(errs, &incident.ConfigurationError{
				Reason: fmt.Sprintf("incident type %q has no remediation entry (use action %q to opt out)", t, ActionNone),
			})
		}
	}
	for _, t := range p.Types() {
		a := p.actions[t]
		if a.Name == "" {
			errs = append(errs, &incident.ConfigurationError{Reason: fmt.Sprintf("incident type %q has an empty action", t)})
			continue
		}
		if a.Name != ActionNone && supports != nil && !supports(a.Name) {
			errs = append(errs, &incident.ConfigurationError{
				Reason: fmt.Sprintf("incident type %q maps to unknown action %q", t, a.Name),
			})
		}
	}
	return errors.Join(errs...)
}
