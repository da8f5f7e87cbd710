// Package health aggregates readiness probes of the executor's collaborators.
package health

import (
	"errors"
	"fmt"
)

// Status is the outcome of one probe or of a whole report.
type Status string

const (
	StatusHealthy Status = "healthy"
	// StatusDegraded is a component that still serves but is backing off.
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the more severe of s and other.
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// ErrDegraded classifies a probe error as StatusDegraded.
var ErrDegraded = errors.New("degraded")

// Degraded formats an error wrapping ErrDegraded.
func Degraded(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDegraded, fmt.Sprintf(format, args...))
}

// StatusOf maps a probe error to a status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusHealthy
	case errors.Is(err, ErrDegraded):
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
