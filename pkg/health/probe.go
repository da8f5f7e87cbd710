package health

import (
	"context"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// Checkable is a component that can test its own dependencies.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// Checker is one named entry of a Registry.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Result is one probe outcome.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Probe bounds a Checkable's HealthCheck with a timeout.
type Probe struct {
	name    string
	target  Checkable
	timeout time.Duration
}

var _ Checker = (*Probe)(nil)

// NewProbe wraps target. A non-positive timeout means five seconds.
func NewProbe(name string, target Checkable, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Probe{name: name, target: target, timeout: timeout}
}

func (p *Probe) Name() string { return p.name }

func (p *Probe) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := time.Now()
	err := p.target.HealthCheck(ctx)
	res := Result{Name: p.name, Status: StatusOf(err), Timestamp: time.Now()}
	res.Duration = res.Timestamp.Sub(started)
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
