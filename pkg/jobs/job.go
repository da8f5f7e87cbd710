package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/calendar"
)

// PayloadKind tags the job payload variant.
type PayloadKind string

const (
	// PayloadTask is a one-shot deferred continuation.
	PayloadTask PayloadKind = "task"
	// PayloadTimer is a timer that may repeat and may take a transition after firing.
	PayloadTimer PayloadKind = "timer"
)

// Payload is what a job runs. Handler names an entry of the HandlerRegistry.
type Payload struct {
	Kind    PayloadKind
	Handler string
	// Name identifies a timer within its process instance (DeleteTimersByName).
	Name string
	// Repeat is a calendar duration expression; empty means one-shot.
	Repeat string
	// TransitionName is taken on the owning element after a timer fires cleanly.
	TransitionName string
	// GraphElement names the workflow element the timer event is fired on.
	GraphElement string
	Data         []byte
}

// Job is a due unit of work competed for by workers.
type Job struct {
	ID        int64
	DueDate   time.Time
	LockOwner string
	// LockTime is zero when the job is unlocked.
	LockTime          time.Time
	Retries           int
	Exception         string
	Exclusive         bool
	ProcessInstanceID string
	Suspended         bool
	Payload           Payload
	Version           int64
}

// GetVersion implements repository.Versioned.
func (j *Job) GetVersion() int64 { return j.Version }

// SetVersion implements repository.Versioned.
func (j *Job) SetVersion(version int64) { j.Version = version }

// IsLocked reports whether a worker holds the job.
func (j *Job) IsLocked() bool {
	return j.LockOwner != ""
}

// IsLockable reports whether the job can be acquired at now.
func (j *Job) IsLockable(now time.Time) bool {
	return !j.IsLocked() && !j.Suspended && j.Retries > 0 && !j.DueDate.After(now)
}

// IsParked reports whether the job exhausted its retries and awaits an operator.
func (j *Job) IsParked() bool {
	return j.Retries <= 0
}

// IsRepeating reports whether the job is re-armed instead of deleted on success.
func (j *Job) IsRepeating() bool {
	return strings.TrimSpace(j.Payload.Repeat) != ""
}

// Lock marks the job as held by owner since at.
func (j *Job) Lock(owner string, at time.Time) {
	j.LockOwner = owner
	j.LockTime = at
}

// Unlock clears the lock fields only.
func (j *Job) Unlock() {
	j.LockOwner = ""
	j.LockTime = time.Time{}
}

// NextDueDate advances the due date by the repeat expression until it lies
// strictly after now. A worker that was offline for several intervals gets
// exactly one future firing.
func (j *Job) NextDueDate(cal *calendar.Calendar, now time.Time) (time.Time, error) {
	if !j.IsRepeating() {
		return time.Time{}, jobsError(ErrInvalidArgument, "job has no repeat expression")
	}
	d, err := calendar.ParseDuration(j.Payload.Repeat)
	if err != nil {
		return time.Time{}, jobsError(ErrValidation, err.Error())
	}

	due := j.DueDate
	if !due.After(now) {
		if step, ok := d.Fixed(); ok {
			missed := now.Sub(due) / step
			return due.Add((missed + 1) * step), nil
		}
	}
	for !due.After(now) {
		next, err := cal.AddDuration(due, d)
		if err != nil {
			return time.Time{}, jobsError(ErrValidation, err.Error())
		}
		if !next.After(due) {
			return time.Time{}, jobsError(ErrValidation, "repeat expression does not advance "+j.Payload.Repeat)
		}
		due = next
	}
	return due, nil
}

// Validate checks the fields required to persist a job.
func (j *Job) Validate() error {
	if j == nil {
		return jobsError(ErrValidation, "job is nil")
	}
	if j.DueDate.IsZero() {
		return jobsError(ErrValidation, "job due date is required")
	}
	if j.Retries < 0 {
		return jobsError(ErrValidation, "job retries must be >= 0")
	}
	if strings.TrimSpace(j.Payload.Handler) == "" {
		return jobsError(ErrValidation, "job handler is required")
	}
	switch j.Payload.Kind {
	case PayloadTask:
		if j.IsRepeating() {
			return jobsError(ErrValidation, "only timers can repeat")
		}
	case PayloadTimer:
		if j.IsRepeating() {
			if _, err := calendar.ParseDuration(j.Payload.Repeat); err != nil {
				return jobsError(ErrValidation, err.Error())
			}
		}
	default:
		return jobsError(ErrValidation, "unknown payload kind "+string(j.Payload.Kind))
	}
	if j.Exclusive && strings.TrimSpace(j.ProcessInstanceID) == "" {
		return jobsError(ErrValidation, "exclusive jobs need a process instance")
	}
	if j.IsLocked() && j.LockTime.IsZero() {
		return jobsError(ErrValidation, "locked job needs a lock time")
	}
	return nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Payload.Data != nil {
		out.Payload.Data = append([]byte(nil), j.Payload.Data...)
	}
	return &out
}

// String describes the job for operator output.
func (j *Job) String() string {
	state := "due"
	switch {
	case j.IsParked():
		state = "parked"
	case j.IsLocked():
		state = "locked by " + j.LockOwner
	case j.Suspended:
		state = "suspended"
	}
	return fmt.Sprintf("job %d (%s %s, %s, retries %d, due %s)",
		j.ID, j.Payload.Kind, j.Payload.Handler, state, j.Retries, j.DueDate.Format(time.RFC3339))
}
