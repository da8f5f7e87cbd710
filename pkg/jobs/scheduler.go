package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/calendar"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/repository"
)

// DefaultFailedJobsLimit bounds FailedJobs when no limit is given.
const DefaultFailedJobsLimit = 100

// SchedulerConfig configures job creation defaults.
type SchedulerConfig struct {
	// DefaultRetries is the retry ceiling of new jobs.
	DefaultRetries int
}

// TimerSpec describes a timer to schedule.
type TimerSpec struct {
	Name              string
	Handler           string
	ProcessInstanceID string
	GraphElement      string
	TransitionName    string
	// DueDate is the first firing. When zero, DueIn is added to now.
	DueDate time.Time
	// DueIn is a calendar duration expression.
	DueIn     string
	Repeat    string
	Exclusive bool
	Retries   int
	Data      []byte
}

// TaskSpec describes a deferred continuation to schedule.
type TaskSpec struct {
	Handler           string
	ProcessInstanceID string
	// DueDate defaults to now.
	DueDate   time.Time
	Exclusive bool
	Retries   int
	Data      []byte
}

// Scheduler creates jobs and exposes the operator actions on them. Every
// method joins the transaction carried by ctx when there is one.
type Scheduler struct {
	store    AdminStore
	calendar *calendar.Calendar
	now      func() time.Time
	log      logger.Logger
	config   SchedulerConfig
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store AdminStore, log logger.Logger, cfg SchedulerConfig, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, jobsError(ErrNotInitialized, "job store is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = DefaultRetries
	}
	o := newOptions(opts)
	return &Scheduler{
		store:    store,
		calendar: o.calendar,
		now:      o.now,
		log:      log,
		config:   cfg,
	}, nil
}

// ScheduleTimer persists a new timer job.
func (s *Scheduler) ScheduleTimer(ctx context.Context, spec TimerSpec) (*Job, error) {
	due := spec.DueDate
	if due.IsZero() {
		due = s.now()
		if expr := strings.TrimSpace(spec.DueIn); expr != "" {
			next, err := s.calendar.Add(due, expr)
			if err != nil {
				return nil, jobsError(ErrValidation, err.Error())
			}
			due = next
		}
	}
	job := &Job{
		DueDate:           due,
		Retries:           s.retries(spec.Retries),
		Exclusive:         spec.Exclusive,
		ProcessInstanceID: strings.TrimSpace(spec.ProcessInstanceID),
		Payload: Payload{
			Kind:           PayloadTimer,
			Handler:        strings.TrimSpace(spec.Handler),
			Name:           strings.TrimSpace(spec.Name),
			Repeat:         strings.TrimSpace(spec.Repeat),
			TransitionName: strings.TrimSpace(spec.TransitionName),
			GraphElement:   strings.TrimSpace(spec.GraphElement),
			Data:           spec.Data,
		},
	}
	if err := s.insert(ctx, job); err != nil {
		return nil, err
	}
	s.log.Debug("timer scheduled", "job_id", job.ID, "timer", job.Payload.Name, "due_date", job.DueDate)
	return job, nil
}

// ScheduleTask persists a new one-shot task job.
func (s *Scheduler) ScheduleTask(ctx context.Context, spec TaskSpec) (*Job, error) {
	due := spec.DueDate
	if due.IsZero() {
		due = s.now()
	}
	job := &Job{
		DueDate:           due,
		Retries:           s.retries(spec.Retries),
		Exclusive:         spec.Exclusive,
		ProcessInstanceID: strings.TrimSpace(spec.ProcessInstanceID),
		Payload: Payload{
			Kind:    PayloadTask,
			Handler: strings.TrimSpace(spec.Handler),
			Data:    spec.Data,
		},
	}
	if err := s.insert(ctx, job); err != nil {
		return nil, err
	}
	s.log.Debug("task scheduled", "job_id", job.ID, "handler", job.Payload.Handler)
	return job, nil
}

// CancelTimers deletes the named timers of a process instance.
func (s *Scheduler) CancelTimers(ctx context.Context, processInstanceID, name string) (int, error) {
	if strings.TrimSpace(processInstanceID) == "" || strings.TrimSpace(name) == "" {
		return 0, jobsError(ErrInvalidArgument, "process instance and timer name are required")
	}
	var deleted int
	err := s.inTransaction(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteTimersByName(ctx, processInstanceID, name)
		return err
	})
	return deleted, err
}

// SuspendInstance makes every job of the process instance unacquirable.
func (s *Scheduler) SuspendInstance(ctx context.Context, processInstanceID string) (int, error) {
	return s.setSuspended(ctx, processInstanceID, true)
}

// ResumeInstance reverts SuspendInstance.
func (s *Scheduler) ResumeInstance(ctx context.Context, processInstanceID string) (int, error) {
	return s.setSuspended(ctx, processInstanceID, false)
}

func (s *Scheduler) setSuspended(ctx context.Context, processInstanceID string, suspended bool) (int, error) {
	if strings.TrimSpace(processInstanceID) == "" {
		return 0, jobsError(ErrInvalidArgument, "process instance is required")
	}
	var changed int
	err := s.inTransaction(ctx, func(ctx context.Context) error {
		var err error
		changed, err = s.store.SetSuspended(ctx, processInstanceID, suspended)
		return err
	})
	return changed, err
}

// DestroyInstance deletes every job of a destroyed process instance.
func (s *Scheduler) DestroyInstance(ctx context.Context, processInstanceID string) (int, error) {
	if strings.TrimSpace(processInstanceID) == "" {
		return 0, jobsError(ErrInvalidArgument, "process instance is required")
	}
	var deleted int
	err := s.inTransaction(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.store.DeleteJobsForProcessInstance(ctx, processInstanceID)
		return err
	})
	return deleted, err
}

// JobsForInstance lists the jobs of a process instance.
func (s *Scheduler) JobsForInstance(ctx context.Context, processInstanceID string) ([]*Job, error) {
	return s.store.JobsByProcessInstance(ctx, processInstanceID)
}

// FailedJobs lists parked jobs awaiting an operator.
func (s *Scheduler) FailedJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultFailedJobsLimit
	}
	return s.store.FailedJobs(ctx, limit)
}

// RetryJob gives a job retries again and clears its exception and lock.
// retries <= 0 means the default retry ceiling.
func (s *Scheduler) RetryJob(ctx context.Context, id int64, retries int) (*Job, error) {
	return s.update(ctx, id, func(job *Job) {
		job.Retries = s.retries(retries)
		job.Exception = ""
		job.Unlock()
	})
}

// UnlockJob releases the lock of a job without touching its retries.
func (s *Scheduler) UnlockJob(ctx context.Context, id int64) (*Job, error) {
	return s.update(ctx, id, func(job *Job) { job.Unlock() })
}

func (s *Scheduler) update(ctx context.Context, id int64, change func(*Job)) (*Job, error) {
	var updated *Job
	err := s.inTransaction(ctx, func(ctx context.Context) error {
		job, err := s.store.LoadJob(ctx, id)
		if err != nil {
			return err
		}
		change(job)
		if _, err := s.store.SaveJob(ctx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Scheduler) insert(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	return s.inTransaction(ctx, func(ctx context.Context) error {
		return s.store.InsertJob(ctx, job)
	})
}

// inTransaction runs fn and turns a rollback into an error: the recorded store
// failure, or ErrConflict for a lost race.
func (s *Scheduler) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, state := repository.EnsureTxState(ctx)
	err := s.store.WithTransaction(ctx, fn)
	switch {
	case errors.Is(err, ErrStaleWrite):
		return errors.Join(jobsError(ErrConflict, "job changed concurrently"), err)
	case err != nil:
		return err
	case state.StoreFailure() != nil:
		return state.StoreFailure()
	case state.IsRollbackOnly():
		return errors.Join(jobsError(ErrConflict, "job changed concurrently"), state.RollbackCause())
	}
	return nil
}

func (s *Scheduler) retries(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.config.DefaultRetries
}
