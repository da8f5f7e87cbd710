package testutil

import (
	"context"
	"sync"
	"time"
)

// EventRegistry is a named-condition registry for tests that wait on
// background work. Each Notify adds one permit to the named condition; each
// successful Wait consumes one. Pass the registry by reference to the code
// under test; there is no global state.
type EventRegistry struct {
	mu      sync.Mutex
	permits map[string]int
	signal  chan struct{}
}

// NewEventRegistry creates an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		permits: map[string]int{},
		signal:  make(chan struct{}),
	}
}

// Notify releases one permit for name.
func (r *EventRegistry) Notify(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permits[name]++
	close(r.signal)
	r.signal = make(chan struct{})
}

// Count returns the permits currently available for name.
func (r *EventRegistry) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permits[name]
}

// Wait consumes one permit for name, blocking up to timeout. It returns
// context.DeadlineExceeded when no permit arrives in time.
func (r *EventRegistry) Wait(name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.WaitContext(ctx, name)
}

// WaitContext is Wait bounded by ctx.
func (r *EventRegistry) WaitContext(ctx context.Context, name string) error {
	for {
		r.mu.Lock()
		if r.permits[name] > 0 {
			r.permits[name]--
			r.mu.Unlock()
			return nil
		}
		signal := r.signal
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		}
	}
}

// Clear drops every permit.
func (r *EventRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.permits)
}
