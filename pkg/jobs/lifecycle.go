package jobs

import (
	"context"
	"sync"
	"time"
)

// lifecycle runs one background loop at a time and lets callers deactivate it
// without blocking.
type lifecycle struct {
	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *lifecycle) start(ctx context.Context, what string, run func(ctx context.Context)) error {
	if ctx == nil {
		return jobsError(ErrInvalidArgument, "context is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		return jobsError(ErrConflict, what+" already running")
	}
	if l.done != nil {
		select {
		case <-l.done:
		default:
			return jobsError(ErrConflict, what+" still stopping")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.active = true
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		defer l.deactivate()
		run(runCtx)
	}()
	return nil
}

// deactivate clears the active flag and interrupts any sleep of the loop.
func (l *lifecycle) deactivate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *lifecycle) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *lifecycle) doneCh() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.done
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
