package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeout_ReturnsResult(t *testing.T) {
	want := errors.New("publish rejected")
	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWithTimeout_DeadlineExceeded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	err := WithTimeout(context.Background(), 20*time.Millisecond, func(context.Context) error {
		<-block
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced: %s", elapsed)
	}
}

func TestWithTimeout_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout_NonPositiveRunsInline(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")
	err := WithTimeout(ctx, 0, func(got context.Context) error {
		if got != ctx {
			return errors.New("context was wrapped")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
