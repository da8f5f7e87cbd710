package testutil

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventRegistry_NotifyBeforeWait(t *testing.T) {
	registry := NewEventRegistry()
	registry.Notify("job.completed")
	registry.Notify("job.completed")

	if got := registry.Count("job.completed"); got != 2 {
		t.Fatalf("expected 2 permits, got %d", got)
	}
	for i := 0; i < 2; i++ {
		if err := registry.Wait("job.completed", time.Second); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if got := registry.Count("job.completed"); got != 0 {
		t.Fatalf("expected permits to be consumed, got %d", got)
	}
}

func TestEventRegistry_WaitBlocksUntilNotify(t *testing.T) {
	registry := NewEventRegistry()
	done := make(chan error, 1)
	go func() {
		done <- registry.Wait("job.parked", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	registry.Notify("job.failed")
	registry.Notify("job.parked")

	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := registry.Count("job.failed"); got != 1 {
		t.Fatalf("other conditions must keep their permits, got %d", got)
	}
}

func TestEventRegistry_WaitTimeout(t *testing.T) {
	registry := NewEventRegistry()
	err := registry.Wait("never", 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEventRegistry_Clear(t *testing.T) {
	registry := NewEventRegistry()
	registry.Notify("a")
	registry.Clear()
	if got := registry.Count("a"); got != 0 {
		t.Fatalf("expected no permits after clear, got %d", got)
	}
}

func TestEventually(t *testing.T) {
	var calls atomic.Int32
	ok := Eventually(time.Second, time.Millisecond, func() bool {
		return calls.Add(1) >= 3
	})
	if !ok {
		t.Fatal("expected condition to hold")
	}
	if Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }) {
		t.Fatal("expected timeout")
	}
}
