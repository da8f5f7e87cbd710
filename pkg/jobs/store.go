package jobs

import (
	"context"
	"time"

	"github.com/nimburion/jobexec/pkg/repository"
)

// WriteOutcome is the normal result of a versioned write.
type WriteOutcome int

const (
	// WriteApplied means every row matched its expected version.
	WriteApplied WriteOutcome = iota
	// WriteStale means another actor changed a row first; nothing was written
	// and the surrounding transaction was marked rollback-only.
	WriteStale
)

func (o WriteOutcome) String() string {
	if o == WriteStale {
		return "stale"
	}
	return "applied"
}

// Store is the durable job store the executor competes on. Every method runs
// inside the transaction carried by ctx when there is one.
//
// Reads and writes return an error only for infrastructure failures, wrapped as
// ErrStoreUnavailable and recorded on the transaction state. Lost races are
// reported as WriteStale.
type Store interface {
	repository.TransactionManager

	// AcquirableJob returns the most overdue unlocked, unsuspended job with
	// retries left and DueDate <= now, or nil.
	AcquirableJob(ctx context.Context, now time.Time) (*Job, error)
	// ExclusiveJobs returns every exclusive, unlocked, due job of the process instance.
	ExclusiveJobs(ctx context.Context, processInstanceID string, now time.Time) ([]*Job, error)
	// LockJobs locks every job for owner in one all-or-nothing write.
	LockJobs(ctx context.Context, jobs []*Job, owner string, at time.Time) (WriteOutcome, error)
	// LoadJob reads the current state of a job; ErrNotFound when it is gone.
	LoadJob(ctx context.Context, id int64) (*Job, error)
	// SaveJob persists a job read earlier, bumping its version.
	SaveJob(ctx context.Context, job *Job) (WriteOutcome, error)
	// DeleteJob removes a job read earlier.
	DeleteJob(ctx context.Context, job *Job) (WriteOutcome, error)
	// OverdueLockedJobs returns locked jobs whose LockTime is before threshold.
	OverdueLockedJobs(ctx context.Context, threshold time.Time) ([]*Job, error)
	// FirstDueJob returns the unlocked job with the earliest due date whose id
	// is not in exclude, or nil.
	FirstDueJob(ctx context.Context, exclude []int64) (*Job, error)
}

// AdminStore adds the management operations used by schedulers and operators.
type AdminStore interface {
	Store

	// InsertJob persists a new job and assigns its ID and version.
	InsertJob(ctx context.Context, job *Job) error
	// FailedJobs returns parked jobs (no retries left), oldest due first.
	FailedJobs(ctx context.Context, limit int) ([]*Job, error)
	// JobsByProcessInstance returns every job of the process instance.
	JobsByProcessInstance(ctx context.Context, processInstanceID string) ([]*Job, error)
	// DeleteJobsForProcessInstance removes every job of the process instance.
	DeleteJobsForProcessInstance(ctx context.Context, processInstanceID string) (int, error)
	// DeleteTimersByName removes the named timers of the process instance.
	DeleteTimersByName(ctx context.Context, processInstanceID, name string) (int, error)
	// SetSuspended suspends or resumes every job of the process instance.
	SetSuspended(ctx context.Context, processInstanceID string, suspended bool) (int, error)
	// CountJobs returns the number of stored jobs.
	CountJobs(ctx context.Context) (int, error)
}

func jobIDs(jobs []*Job) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	return ids
}
