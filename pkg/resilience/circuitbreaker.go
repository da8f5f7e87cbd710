// Package resilience guards calls to external brokers with a circuit breaker
// and a per-call timeout.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe call through.
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithStateChange registers a callback invoked after every state transition.
// It runs outside the breaker lock.
func WithStateChange(fn func(from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onChange = fn
	}
}

// CircuitBreaker opens after maxFailures consecutive failures and rejects calls
// for openTimeout. Then one probe is let through: success closes the breaker,
// failure opens it again. Calls ending in context.Canceled are not counted.
type CircuitBreaker struct {
	mu          sync.Mutex
	maxFailures int
	openTimeout time.Duration
	state       State
	failures    int
	openedAt    time.Time
	probing     bool

	now      func() time.Time
	onChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker. maxFailures below 1 is treated as 1.
func NewCircuitBreaker(maxFailures int, openTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		openTimeout: openTimeout,
		state:       StateClosed,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn when the breaker allows it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var from State
	changed := false
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.openTimeout {
			from, changed = cb.transition(StateHalfOpen)
			cb.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var from, to State
	changed := false
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		cb.probing = false
	case err != nil:
		if cb.state == StateHalfOpen {
			from, changed = cb.transition(StateOpen)
		} else {
			cb.failures++
			if cb.failures >= cb.maxFailures {
				from, changed = cb.transition(StateOpen)
			}
		}
		if changed {
			to = StateOpen
			cb.openedAt = cb.now()
		}
	default:
		if cb.state == StateHalfOpen {
			from, changed = cb.transition(StateClosed)
			to = StateClosed
		}
		cb.failures = 0
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) (State, bool) {
	from := cb.state
	cb.state = to
	cb.probing = false
	if to != StateOpen {
		cb.failures = 0
	}
	return from, from != to
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failures counted while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
