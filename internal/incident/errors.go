package incident

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("incident not found")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrConfiguration         = errors.New("configuration error")
	ErrConflict              = errors.New("incident status changed concurrently")
	ErrPostmortemExists      = errors.New("postmortem already exists")
	ErrRemediationInProgress = errors.New("remediation already in progress")
)

// TransitionError describes a rejected transition. It matches ErrInvalidTransition.
type TransitionError struct {
	ID   int64
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("incident %d: cannot transition from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ConfigurationError is raised for wiring bugs such as a breach event with
// no type. It matches ErrConfiguration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
