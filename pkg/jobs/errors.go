package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nimburion/jobexec/pkg/repository"
)

var (
	// ErrValidation classifies job and configuration validation failures.
	ErrValidation = errors.New("jobs validation error")
	// ErrConflict classifies state conflicts (for example an already running worker).
	ErrConflict = errors.New("jobs conflict")
	// ErrNotFound classifies missing jobs.
	ErrNotFound = errors.New("jobs not found")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("jobs invalid argument")
	// ErrNotInitialized classifies missing store/handler wiring.
	ErrNotInitialized = errors.New("jobs not initialized")
	// ErrClosed classifies operations on a stopped executor.
	ErrClosed = errors.New("jobs closed")
	// ErrStaleWrite signals a lost optimistic-concurrency race. Write operations
	// report it as WriteStale; it only surfaces as an error when a commit loses.
	ErrStaleWrite = errors.New("jobs stale write")
	// ErrStoreUnavailable classifies infrastructure failures of the job store.
	ErrStoreUnavailable = errors.New("jobs store unavailable")
	// ErrLockExpired marks an attempt that outlived the maximum lock duration.
	ErrLockExpired = errors.New("jobs lock expired")
)

func jobsError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// StoreError wraps an infrastructure failure as ErrStoreUnavailable while keeping the cause.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// StaleWriteError describes a lost optimistic-concurrency race on job id.
func StaleWriteError(id, expected, actual int64) error {
	return fmt.Errorf("%w: %w", ErrStaleWrite, repository.NewOptimisticLockError(jobKey(id), expected, actual))
}

func jobKey(id int64) string { return "job " + strconv.FormatInt(id, 10) }

// MarkStale records a lost race on the transaction carried by ctx and returns WriteStale.
func MarkStale(ctx context.Context, id, expected, actual int64) WriteOutcome {
	repository.SetRollbackOnly(ctx, StaleWriteError(id, expected, actual))
	return WriteStale
}

// MarkStoreFailure wraps err as ErrStoreUnavailable, records it on the
// transaction carried by ctx and returns it.
func MarkStoreFailure(ctx context.Context, op string, err error) error {
	wrapped := StoreError(op, err)
	repository.MarkStoreFailure(ctx, wrapped)
	return wrapped
}
