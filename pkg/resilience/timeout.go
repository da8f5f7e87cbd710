package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout reports that a bounded call did not return before its deadline.
var ErrTimeout = errors.New("operation timed out")

// WithTimeout runs fn under a deadline of timeout and gives up waiting once
// the deadline passes, even if fn keeps running. A non-positive timeout calls
// fn inline with ctx.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	bounded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- fn(bounded) }()

	select {
	case err := <-result:
		return err
	case <-bounded.Done():
	}

	// Parent cancellation wins over our own deadline.
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}
