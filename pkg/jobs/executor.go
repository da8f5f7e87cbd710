package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/jobexec/pkg/health"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

// ExecutorConfig configures a pool of workers plus one lock reclaimer.
type ExecutorConfig struct {
	// Name prefixes worker names ("<name>:<n>"). Defaults to "<hostname>-<uuid>".
	Name                string
	WorkerCount         int
	IdleInterval        time.Duration
	MaxIdleInterval     time.Duration
	MaxLockDuration     time.Duration
	LockReclaimInterval time.Duration
	// LockSafetyBuffer is added to MaxLockDuration before a lock is
	// reclaimed. Zero reclaims right at MaxLockDuration; the config layer
	// defaults it to DefaultLockSafetyBuffer.
	LockSafetyBuffer time.Duration
	StopTimeout      time.Duration
}

func (c *ExecutorConfig) normalize() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = defaultExecutorName()
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

func (c ExecutorConfig) workerConfig() WorkerConfig {
	return WorkerConfig{
		IdleInterval:    c.IdleInterval,
		MaxIdleInterval: c.MaxIdleInterval,
		MaxLockDuration: c.MaxLockDuration,
	}
}

func (c ExecutorConfig) reclaimerConfig() ReclaimerConfig {
	return ReclaimerConfig{
		Interval:        c.LockReclaimInterval,
		MaxLockDuration: c.MaxLockDuration,
		SafetyBuffer:    c.LockSafetyBuffer,
	}
}

func defaultExecutorName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "jobexec"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Executor runs WorkerCount workers and one lock reclaimer against a store.
type Executor struct {
	store     Store
	workers   []*Worker
	reclaimer *LockReclaimer
	log       logger.Logger
	config    ExecutorConfig

	mu      sync.Mutex
	running bool
}

// NewExecutor wires the workers and the reclaimer. Options apply to all of
// them; without WithDueDateRegistry the workers share one in-memory registry.
func NewExecutor(store Store, dispatcher *Dispatcher, log logger.Logger, cfg ExecutorConfig, opts ...Option) (*Executor, error) {
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

	shared := newOptions(opts)
	opts = append(append([]Option(nil), opts...),
		WithCalendar(shared.calendar),
		WithDueDateRegistry(shared.registry),
		WithNotifier(shared.notifier),
		WithClock(shared.now),
	)

	workers := make([]*Worker, 0, cfg.WorkerCount)
	for i := 1; i <= cfg.WorkerCount; i++ {
		worker, err := NewWorker(fmt.Sprintf("%s:%d", cfg.Name, i), store, dispatcher, log, cfg.workerConfig(), opts...)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	reclaimer, err := NewLockReclaimer(store, log, cfg.reclaimerConfig(), opts...)
	if err != nil {
		return nil, err
	}

	return &Executor{
		store:     store,
		workers:   workers,
		reclaimer: reclaimer,
		log:       log.With("executor", cfg.Name),
		config:    cfg,
	}, nil
}

// Name is the executor name the worker names derive from.
func (e *Executor) Name() string { return e.config.Name }

// Workers returns the workers of the executor.
func (e *Executor) Workers() []*Worker {
	return append([]*Worker(nil), e.workers...)
}

// Reclaimer returns the lock reclaimer of the executor.
func (e *Executor) Reclaimer() *LockReclaimer {
	return e.reclaimer
}

// Start launches every worker and the reclaimer.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return jobsError(ErrConflict, "executor already running")
	}

	for _, worker := range e.workers {
		if err := worker.Start(ctx); err != nil {
			e.deactivateAll()
			return err
		}
	}
	if err := e.reclaimer.Start(ctx); err != nil {
		e.deactivateAll()
		return err
	}
	e.running = true
	e.log.Info("job executor started", "workers", len(e.workers))
	return nil
}

// Stop deactivates every loop and waits until they exit or ctx is done.
func (e *Executor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.deactivateAll()
	e.mu.Unlock()

	for _, done := range e.doneChannels() {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Join(jobsError(ErrClosed, "executor stop timed out"), ctx.Err())
		}
	}
	e.log.Info("job executor stopped")
	return nil
}

// Run starts the executor and blocks until ctx is done, then stops it within
// the configured stop timeout.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), e.config.StopTimeout)
	defer cancel()
	return e.Stop(stopCtx)
}

// IsActive reports whether any loop of the executor is still running.
func (e *Executor) IsActive() bool {
	for _, worker := range e.workers {
		if worker.IsActive() {
			return true
		}
	}
	return e.reclaimer.IsActive()
}

// HealthCheck reports an error when the executor was started but one of its
// loops exited, or when the store is unhealthy. A worker backing off after
// store failures reports health.ErrDegraded.
func (e *Executor) HealthCheck(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	if running {
		for _, worker := range e.workers {
			if !worker.IsActive() {
				return jobsError(ErrClosed, "worker "+worker.Name()+" is not running")
			}
		}
		if !e.reclaimer.IsActive() {
			return jobsError(ErrClosed, "lock reclaimer is not running")
		}
	}
	if checker, ok := e.store.(interface{ HealthCheck(context.Context) error }); ok {
		if err := checker.HealthCheck(ctx); err != nil {
			return err
		}
	}
	if running {
		for _, worker := range e.workers {
			if idle := worker.IdleInterval(); idle > worker.config.IdleInterval {
				return health.Degraded("worker %s backing off, idle interval %s", worker.Name(), idle)
			}
		}
	}
	return nil
}

func (e *Executor) deactivateAll() {
	for _, worker := range e.workers {
		worker.Deactivate()
	}
	e.reclaimer.Deactivate()
}

func (e *Executor) doneChannels() []<-chan struct{} {
	done := make([]<-chan struct{}, 0, len(e.workers)+1)
	for _, worker := range e.workers {
		done = append(done, worker.Done())
	}
	return append(done, e.reclaimer.Done())
}
