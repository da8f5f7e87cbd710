package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nimburion/jobexec/pkg/calendar"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/observability/tracing"
	"github.com/nimburion/jobexec/pkg/repository"
)

const (
	DefaultIdleInterval        = 5 * time.Second
	DefaultMaxIdleInterval     = time.Hour
	DefaultMaxLockDuration     = 10 * time.Minute
	DefaultLockReclaimInterval = time.Minute
	DefaultLockSafetyBuffer    = time.Minute
	DefaultWorkerCount         = 1
	DefaultRetries             = 3
	DefaultStopTimeout         = 30 * time.Second
)

// WorkerConfig configures the polling and lease behavior of a worker.
type WorkerConfig struct {
	// IdleInterval is the baseline wait between acquisition attempts.
	IdleInterval time.Duration
	// MaxIdleInterval caps the backoff after infrastructure failures.
	MaxIdleInterval time.Duration
	// MaxLockDuration is the lease length; executions outliving it roll back.
	MaxLockDuration time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.MaxIdleInterval <= 0 {
		c.MaxIdleInterval = DefaultMaxIdleInterval
	}
	if c.MaxIdleInterval < c.IdleInterval {
		c.MaxIdleInterval = c.IdleInterval
	}
	if c.MaxLockDuration <= 0 {
		c.MaxLockDuration = DefaultMaxLockDuration
	}
}

// Worker competes with other workers for due jobs in a shared store. Each
// cycle acquires a lock-protected batch, executes every job of the batch in its
// own transaction and then sleeps until the next job is due or the idle
// interval elapses.
type Worker struct {
	name       string
	store      Store
	dispatcher *Dispatcher
	calendar   *calendar.Calendar
	registry   DueDateRegistry
	notifier   Notifier
	now        func() time.Time
	log        logger.Logger
	config     WorkerConfig

	idleInterval atomic.Int64
	lifecycle    lifecycle
}

// NewWorker creates a worker named name. The name is the lock owner written
// on acquired jobs and must be unique among all running workers.
func NewWorker(name string, store Store, dispatcher *Dispatcher, log logger.Logger, cfg WorkerConfig, opts ...Option) (*Worker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, jobsError(ErrInvalidArgument, "worker name is required")
	}
	if store == nil {
		return nil, jobsError(ErrNotInitialized, "job store is required")
	}
	if dispatcher == nil {
		return nil, jobsError(ErrNotInitialized, "dispatcher is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.normalize()
	o := newOptions(opts)

	w := &Worker{
		name:       name,
		store:      store,
		dispatcher: dispatcher,
		calendar:   o.calendar,
		registry:   o.registry,
		notifier:   o.notifier,
		now:        o.now,
		log:        log.With("worker", name),
		config:     cfg,
	}
	w.idleInterval.Store(int64(cfg.IdleInterval))
	return w, nil
}

// Name returns the lock owner identity of the worker.
func (w *Worker) Name() string {
	return w.name
}

// Start launches the worker loop and returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	return w.lifecycle.start(ctx, "worker "+w.name, w.run)
}

// Deactivate asks the loop to stop and interrupts its sleep. An execution in
// flight runs to completion. Deactivate does not wait; use Done for that.
func (w *Worker) Deactivate() {
	w.lifecycle.deactivate()
}

// IsActive reports whether the loop is running and has not been deactivated.
func (w *Worker) IsActive() bool {
	return w.lifecycle.isActive()
}

// Done is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.lifecycle.doneCh()
}

// IdleInterval returns the current idle interval.
func (w *Worker) IdleInterval() time.Duration {
	return time.Duration(w.idleInterval.Load())
}

func (w *Worker) setIdleInterval(d time.Duration) {
	w.idleInterval.Store(int64(d))
	setWorkerIdleInterval(w.name, d)
}

func (w *Worker) run(ctx context.Context) {
	incrementWorkersActive()
	defer decrementWorkersActive()
	defer clearWorkerIdleInterval(w.name)
	defer func() {
		if err := w.registry.Forget(context.WithoutCancel(ctx), w.name); err != nil {
			w.log.Warn("failed to clear monitored job", "error", err)
		}
	}()

	w.log.Info("job worker started", "idle_interval", w.config.IdleInterval)
	w.setIdleInterval(w.config.IdleInterval)

	for w.IsActive() && ctx.Err() == nil {
		wait, err := w.cycle(ctx)
		if err != nil {
			if !w.IsActive() || ctx.Err() != nil {
				break
			}
			current := w.IdleInterval()
			w.log.Warn("job worker cycle failed", "error", err, "wait", current)
			if !sleep(ctx, current) {
				break
			}
			w.setIdleInterval(nextIdleInterval(current, w.config.MaxIdleInterval))
			continue
		}

		if !sleep(ctx, wait) {
			break
		}
		w.setIdleInterval(w.config.IdleInterval)
	}
	w.log.Info("job worker stopped")
}

// cycle runs one acquire-execute pass and returns how long to wait before the
// next one. Errors are infrastructure failures.
func (w *Worker) cycle(ctx context.Context) (time.Duration, error) {
	acquired, err := w.acquireJobs(ctx)
	if err != nil {
		return 0, err
	}

	if len(acquired) > 0 {
		if err := w.registry.Forget(ctx, w.name); err != nil {
			w.log.Warn("failed to clear monitored job", "error", err)
		}
	}

	var firstErr error
	for _, job := range acquired {
		if err := w.executeJob(ctx, job); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}

	if !w.IsActive() {
		return 0, nil
	}
	return w.waitPeriod(ctx)
}

// acquireJobs locks the most overdue job, together with its exclusive
// siblings, for this worker. A lost race yields no jobs and no error.
func (w *Worker) acquireJobs(ctx context.Context) ([]*Job, error) {
	ctx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobAcquire, tracing.WithWorker(w.name))
	defer span.End()

	state := repository.NewTxState()
	txCtx := repository.WithTxState(ctx, state)

	var acquired []*Job
	err := w.store.WithTransaction(txCtx, func(ctx context.Context) error {
		now := w.now()
		job, err := w.store.AcquirableJob(ctx, now)
		if err != nil || job == nil {
			return err
		}

		lockSet := []*Job{job}
		if job.Exclusive {
			siblings, err := w.store.ExclusiveJobs(ctx, job.ProcessInstanceID, now)
			if err != nil {
				return err
			}
			lockSet = exclusiveLockSet(job, siblings)
		}

		outcome, err := w.store.LockJobs(ctx, lockSet, w.name, now)
		if err != nil {
			return err
		}
		if outcome == WriteStale {
			return nil
		}
		acquired = lockSet
		return nil
	})

	switch {
	case errors.Is(err, ErrStaleWrite):
		w.log.Debug("lost job acquisition race at commit")
		recordLockConflict("acquire")
		return nil, nil
	case err != nil:
		recordStoreFailure("acquire")
		tracing.RecordError(span, err)
		return nil, err
	case state.StoreFailure() != nil:
		recordStoreFailure("acquire")
		tracing.RecordError(span, state.StoreFailure())
		return nil, state.StoreFailure()
	case state.IsRollbackOnly():
		w.log.Debug("lost job acquisition race", "cause", state.RollbackCause())
		recordLockConflict("acquire")
		return nil, nil
	}

	if len(acquired) > 0 {
		w.log.Debug("acquired jobs", "job_ids", jobIDs(acquired))
	}
	tracing.RecordSuccess(span)
	return acquired, nil
}

// exclusiveLockSet returns job followed by its siblings, without duplicates.
func exclusiveLockSet(job *Job, siblings []*Job) []*Job {
	set := make([]*Job, 0, len(siblings)+1)
	set = append(set, job)
	seen := map[int64]bool{job.ID: true}
	for _, sibling := range siblings {
		if sibling == nil || seen[sibling.ID] {
			continue
		}
		seen[sibling.ID] = true
		set = append(set, sibling)
	}
	return set
}

// executeJob runs one locked job in its own transaction. Cancellation of ctx
// does not interrupt it. The returned error is an infrastructure failure; task
// logic failures are recorded on the job.
func (w *Worker) executeJob(ctx context.Context, locked *Job) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationJobExecute,
		tracing.WithJobID(locked.ID),
		tracing.WithJobHandler(locked.Payload.Handler),
		tracing.WithWorker(w.name),
		tracing.WithProcessInstance(locked.ProcessInstanceID),
	)
	defer span.End()

	log := w.log.With("job_id", locked.ID, "handler", locked.Payload.Handler)
	state := repository.NewTxState()
	txCtx := repository.WithTxState(ctx, state)
	started := time.Now()

	err := w.store.WithTransaction(txCtx, func(ctx context.Context) error {
		job, err := w.store.LoadJob(ctx, locked.ID)
		if errors.Is(err, ErrNotFound) {
			log.Debug("job vanished before execution")
			return nil
		}
		if err != nil {
			return err
		}
		if job.LockOwner != w.name {
			log.Debug("job no longer locked by this worker", "lock_owner", job.LockOwner)
			return nil
		}

		outcome := w.dispatcher.Execute(ctx, job)
		if state.StoreFailure() != nil {
			return nil
		}
		if held := w.now().Sub(job.LockTime); held > w.config.MaxLockDuration {
			state.SetRollbackOnly(jobsError(ErrLockExpired, fmt.Sprintf("job %d held for %s", job.ID, held)))
			return nil
		}
		return w.persistOutcome(ctx, state, log, job, outcome, time.Since(started))
	})

	elapsed := time.Since(started)
	switch {
	case errors.Is(err, ErrStaleWrite):
		log.Debug("job changed concurrently, execution discarded")
		recordLockConflict("execute")
		return nil
	case err != nil:
		recordStoreFailure("execute")
		tracing.RecordError(span, err)
		return err
	case state.StoreFailure() != nil:
		log.Debug("job store failed during execution, retries kept", "error", state.StoreFailure())
		recordStoreFailure("execute")
		tracing.RecordError(span, state.StoreFailure())
		return state.StoreFailure()
	case state.IsRollbackOnly():
		cause := state.RollbackCause()
		switch {
		case errors.Is(cause, ErrLockExpired):
			log.Warn("job lock expired during execution, rolled back", "max_lock_duration", w.config.MaxLockDuration)
		case errors.Is(cause, ErrStaleWrite):
			log.Debug("job changed concurrently, execution discarded")
			recordLockConflict("execute")
		default:
			log.Debug("job execution rolled back", "cause", cause)
		}
		recordJobExecuted(locked.Payload.Handler, outcomeRolledBack, elapsed)
		tracing.RecordError(span, cause)
		return nil
	}

	tracing.RecordSuccess(span)
	return nil
}

// persistOutcome writes the result of one execution. Notifications and metrics
// are deferred until the transaction commits.
func (w *Worker) persistOutcome(ctx context.Context, state *repository.TxState, log logger.Logger, job *Job, outcome Outcome, elapsed time.Duration) error {
	now := w.now()
	handler := job.Payload.Handler

	if outcome.Err == nil && job.IsRepeating() {
		due, err := job.NextDueDate(w.calendar, now)
		if err != nil {
			outcome = Outcome{Err: err}
		} else {
			job.DueDate = due
			job.Exception = ""
			job.Unlock()
			written, err := w.store.SaveJob(ctx, job)
			if err != nil || written == WriteStale {
				return err
			}
			state.AfterCommit(func() {
				log.Debug("job rescheduled", "due_date", due)
				recordJobExecuted(handler, outcomeRescheduled, elapsed)
				w.notifier.Notify(ctx, newEvent(EventJobRescheduled, job, w.name, now))
			})
			return nil
		}
	}

	if outcome.Err != nil {
		job.Exception = formatException(outcome.Err)
		if job.Retries > 0 {
			job.Retries--
		}
		written, err := w.store.SaveJob(ctx, job)
		if err != nil || written == WriteStale {
			return err
		}
		state.AfterCommit(func() {
			if job.IsParked() {
				log.Warn("job parked, no retries left", "error", outcome.Err)
				recordJobExecuted(handler, outcomeParked, elapsed)
				w.notifier.Notify(ctx, newEvent(EventJobParked, job, w.name, now))
				return
			}
			log.Info("job failed", "error", outcome.Err, "retries", job.Retries)
			recordJobExecuted(handler, outcomeFailed, elapsed)
			w.notifier.Notify(ctx, newEvent(EventJobFailed, job, w.name, now))
		})
		return nil
	}

	if outcome.FireAgain {
		written, err := w.store.DeleteJob(ctx, job)
		if err != nil || written == WriteStale {
			return err
		}
		state.AfterCommit(func() {
			log.Debug("job completed")
			recordJobExecuted(handler, outcomeCompleted, elapsed)
			w.notifier.Notify(ctx, newEvent(EventJobCompleted, job, w.name, now))
		})
		return nil
	}

	// The handler kept the job. It is released only when the handler moved
	// its due date into the future; otherwise it stays locked until the
	// reclaimer frees it.
	job.Exception = ""
	if job.DueDate.After(now) {
		job.Unlock()
	}
	written, err := w.store.SaveJob(ctx, job)
	if err != nil || written == WriteStale {
		return err
	}
	state.AfterCommit(func() {
		log.Debug("job retained", "due_date", job.DueDate, "locked", job.IsLocked())
		recordJobExecuted(handler, outcomeRetained, elapsed)
	})
	return nil
}

// waitPeriod returns how long to sleep before the next cycle: the current idle
// interval, shortened when a job not monitored by another worker falls due sooner.
func (w *Worker) waitPeriod(ctx context.Context) (time.Duration, error) {
	idle := w.IdleInterval()

	exclude, err := w.registry.Others(ctx, w.name)
	if err != nil {
		w.log.Warn("failed to read monitored jobs", "error", err)
		exclude = nil
	}

	next, err := w.store.FirstDueJob(ctx, exclude)
	if err != nil {
		recordStoreFailure("wait")
		return 0, err
	}
	if next == nil {
		return idle, nil
	}

	if err := w.registry.Monitor(ctx, w.name, next.ID); err != nil {
		w.log.Warn("failed to record monitored job", "job_id", next.ID, "error", err)
	}
	return computeWait(idle, next.DueDate, w.now()), nil
}

// computeWait returns min(idle, nextDue-now), floored at zero. A zero nextDue
// means no job is known.
func computeWait(idle time.Duration, nextDue, now time.Time) time.Duration {
	wait := idle
	if !nextDue.IsZero() {
		if untilDue := nextDue.Sub(now); untilDue < wait {
			wait = untilDue
		}
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// nextIdleInterval doubles current, capped at max.
func nextIdleInterval(current, max time.Duration) time.Duration {
	if current <= 0 || current >= max-current {
		return max
	}
	return current * 2
}
