package jobs

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/observability/tracing"
	"github.com/nimburion/jobexec/pkg/repository"
)

// ReclaimerConfig configures lock reclamation.
type ReclaimerConfig struct {
	// Interval is the pause between reclaim cycles.
	Interval time.Duration
	// MaxLockDuration is the lease length granted to workers.
	MaxLockDuration time.Duration
	// SafetyBuffer is added to MaxLockDuration before a lock counts as overdue.
	SafetyBuffer time.Duration
}

func (c *ReclaimerConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultLockReclaimInterval
	}
	if c.MaxLockDuration <= 0 {
		c.MaxLockDuration = DefaultMaxLockDuration
	}
	if c.SafetyBuffer < 0 {
		c.SafetyBuffer = 0
	}
}

// LockReclaimer releases locks held longer than MaxLockDuration+SafetyBuffer,
// returning the jobs of crashed or stalled workers to the acquirable pool.
// Retries and exception text are left untouched.
type LockReclaimer struct {
	store    Store
	notifier Notifier
	limiter  *rate.Limiter
	now      func() time.Time
	log      logger.Logger
	config   ReclaimerConfig

	lifecycle lifecycle
}

// NewLockReclaimer creates a reclaimer over store.
func NewLockReclaimer(store Store, log logger.Logger, cfg ReclaimerConfig, opts ...Option) (*LockReclaimer, error) {
	if store == nil {
		return nil, jobsError(ErrNotInitialized, "job store is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.normalize()
	o := newOptions(opts)

	return &LockReclaimer{
		store:    store,
		notifier: o.notifier,
		limiter:  o.reclaimLimiter,
		now:      o.now,
		log:      log.With("component", "lock-reclaimer"),
		config:   cfg,
	}, nil
}

// Start launches the reclaim loop and returns immediately.
func (r *LockReclaimer) Start(ctx context.Context) error {
	return r.lifecycle.start(ctx, "lock reclaimer", r.run)
}

// Deactivate stops the loop without waiting. Outstanding unlocks of the
// current cycle are abandoned.
func (r *LockReclaimer) Deactivate() {
	r.lifecycle.deactivate()
}

// IsActive reports whether the loop is running.
func (r *LockReclaimer) IsActive() bool {
	return r.lifecycle.isActive()
}

// Done is closed once the loop has exited.
func (r *LockReclaimer) Done() <-chan struct{} {
	return r.lifecycle.doneCh()
}

// Threshold returns the lock time before which a lock counts as overdue at now.
func (r *LockReclaimer) Threshold(now time.Time) time.Time {
	return now.Add(-r.config.MaxLockDuration - r.config.SafetyBuffer)
}

func (r *LockReclaimer) run(ctx context.Context) {
	r.log.Info("lock reclaimer started", "interval", r.config.Interval)
	for r.IsActive() && ctx.Err() == nil {
		reclaimed, err := r.ReclaimOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Warn("lock reclaim cycle failed", "error", err, "reclaimed", reclaimed)
		case reclaimed > 0:
			r.log.Info("reclaimed overdue job locks", "reclaimed", reclaimed)
		}
		if !sleep(ctx, r.config.Interval) {
			break
		}
	}
	r.log.Info("lock reclaimer stopped")
}

// ReclaimOnce runs one reclaim cycle and returns the number of unlocked jobs.
// A store failure ends the cycle; stale writes are skipped.
func (r *LockReclaimer) ReclaimOnce(ctx context.Context) (int, error) {
	ctx, span := tracing.StartJobSpan(ctx, tracing.SpanOperationJobReclaim)
	defer span.End()

	threshold := r.Threshold(r.now())
	overdue, err := r.store.OverdueLockedJobs(ctx, threshold)
	if err != nil {
		recordStoreFailure("reclaim")
		tracing.RecordError(span, err)
		return 0, err
	}

	reclaimed := 0
	for _, job := range overdue {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return reclaimed, err
			}
		}
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}

		ok, err := r.unlock(ctx, job)
		if err != nil {
			recordStoreFailure("reclaim")
			tracing.RecordError(span, err)
			return reclaimed, err
		}
		if ok {
			reclaimed++
		}
	}
	tracing.RecordSuccess(span)
	return reclaimed, nil
}

func (r *LockReclaimer) unlock(ctx context.Context, overdue *Job) (bool, error) {
	state := repository.NewTxState()
	txCtx := repository.WithTxState(ctx, state)
	previousOwner := overdue.LockOwner

	err := r.store.WithTransaction(txCtx, func(ctx context.Context) error {
		job := overdue.Clone()
		job.Unlock()
		_, err := r.store.SaveJob(ctx, job)
		if err != nil {
			return err
		}
		state.AfterCommit(func() {
			r.log.Debug("released overdue job lock", "job_id", job.ID, "lock_owner", previousOwner)
			recordJobReclaimed()
			r.notifier.Notify(context.WithoutCancel(ctx), newEvent(EventJobReclaimed, job, previousOwner, r.now()))
		})
		return nil
	})

	switch {
	case errors.Is(err, ErrStaleWrite):
		recordLockConflict("reclaim")
		return false, nil
	case err != nil:
		return false, err
	case state.StoreFailure() != nil:
		return false, state.StoreFailure()
	case state.IsRollbackOnly():
		r.log.Debug("overdue job changed concurrently, skipped", "job_id", overdue.ID)
		recordLockConflict("reclaim")
		return false, nil
	}
	return true, nil
}
