package testutil

import (
	"testing"
	"time"
)

// DefaultPollInterval is the polling cadence of WaitFor.
const DefaultPollInterval = 10 * time.Millisecond

// Eventually polls cond every poll until it holds or timeout elapses.
func Eventually(timeout, poll time.Duration, cond func() bool) bool {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if cond() {
			return true
		}
		select {
		case <-deadline.C:
			return cond()
		case <-ticker.C:
		}
	}
}

// WaitFor fails the test when cond does not hold within timeout. It is the
// watchdog used to bound waits on background loops.
func WaitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	if !Eventually(timeout, DefaultPollInterval, cond) {
		t.Fatalf("timed out after %s waiting for %s", timeout, what)
	}
}
