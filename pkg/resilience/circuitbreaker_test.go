package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var errBroker = errors.New("broker down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func fail() error    { return errBroker }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute, WithClock(newClock().Now))

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	if cb.Failures() != 0 || cb.State() != StateClosed {
		t.Fatalf("success must reset failures, got %d in %s", cb.Failures(), cb.State())
	}

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); !errors.Is(err, errBroker) {
			t.Fatalf("call %d: expected broker error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker must reject without calling, got %v called=%v", err, called)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newClock()
	var transitions []string
	cb := NewCircuitBreaker(1, time.Minute,
		WithClock(clock.Now),
		WithStateChange(func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) }),
	)

	_ = cb.Execute(fail)
	clock.Advance(59 * time.Second)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected rejection before the open timeout, got %v", err)
	}

	clock.Advance(time.Second)
	if err := cb.Execute(fail); !errors.Is(err, errBroker) {
		t.Fatalf("expected the probe to run, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("failed probe must reopen, got %s", cb.State())
	}

	clock.Advance(time.Minute)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("successful probe must close, got %s", cb.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_SingleProbeWhileHalfOpen(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker(1, time.Second, WithClock(clock.Now))
	_ = cb.Execute(fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	probing := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("second call during the probe must be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_CanceledCallsAreNotFailures(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, WithClock(newClock().Now))
	err := cb.Execute(func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the call error, got %v", err)
	}
	if cb.State() != StateClosed || cb.Failures() != 0 {
		t.Fatalf("cancellation must not count, got %s with %d failures", cb.State(), cb.Failures())
	}
}

func TestNewCircuitBreaker_MinimumOneFailure(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute)
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after one failure, got %s", cb.State())
	}
}

func TestState_String(t *testing.T) {
	if State(42).String() != "unknown" || StateHalfOpen.String() != "half-open" {
		t.Fatal("unexpected state names")
	}
}

// Whatever the sequence of outcomes, the breaker is open exactly when the last
// maxFailures calls it let through all failed, and it never runs a call while open.
func TestProperty_BreakerTracksConsecutiveFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("open iff maxFailures consecutive failures", prop.ForAll(
		func(maxFailures int, outcomes []bool) bool {
			cb := NewCircuitBreaker(maxFailures, time.Hour, WithClock(newClock().Now))
			streak := 0
			for _, ok := range outcomes {
				ran := false
				err := cb.Execute(func() error {
					ran = true
					if ok {
						return nil
					}
					return errBroker
				})
				if streak >= maxFailures {
					if ran || !errors.Is(err, ErrCircuitBreakerOpen) {
						return false
					}
					continue
				}
				if !ran {
					return false
				}
				if ok {
					streak = 0
				} else {
					streak++
				}
				if (cb.State() == StateOpen) != (streak >= maxFailures) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
