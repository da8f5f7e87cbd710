package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nimburion/jobexec/pkg/calendar"
	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/eventbus"
	eventbusfactory "github.com/nimburion/jobexec/pkg/eventbus/factory"
	"github.com/nimburion/jobexec/pkg/health"
	"github.com/nimburion/jobexec/pkg/jobs"
	"github.com/nimburion/jobexec/pkg/management"
	"github.com/nimburion/jobexec/pkg/migrate"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/observability/metrics"
	"github.com/nimburion/jobexec/pkg/observability/tracing"
	"github.com/nimburion/jobexec/pkg/store"
	"github.com/nimburion/jobexec/pkg/version"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownHookTimeout = 10 * time.Second
	defaultMigrationTimeout    = 5 * time.Minute
)

// LifecycleHook defines a named shutdown action.
type LifecycleHook struct {
	Name string
	Fn   func(context.Context) error
}

// RuntimeOptions selects what NewRuntime builds on top of the dependencies.
type RuntimeOptions struct {
	// Handlers enables the executor. Nil opens dependencies only.
	Handlers   *jobs.HandlerRegistry
	TimerHooks jobs.TimerHooks
}

// Runtime holds the opened collaborators of a job executor process.
type Runtime struct {
	Config     *config.Config
	Logger     logger.Logger
	Store      *store.JobStore
	Registry   jobs.DueDateRegistry
	EventBus   eventbus.EventBus
	Notifier   jobs.Notifier
	Calendar   *calendar.Calendar
	Scheduler  *jobs.Scheduler
	Executor   *jobs.Executor
	Health     *health.Registry
	Metrics    *metrics.Registry
	Management *management.ManagementServer

	shutdownHooks []LifecycleHook
}

// NewRuntime opens the job store, the due date registry and the event bus
// selected by cfg, and builds the executor when handlers are given. On error
// everything opened so far is closed.
func NewRuntime(cfg *config.Config, log logger.Logger, opts RuntimeOptions) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	rt = &Runtime{
		Config:   cfg,
		Logger:   log,
		Notifier: jobs.NopNotifier{},
		Health:   health.NewRegistry(),
		Metrics:  metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			if closeErr := rt.Close(); closeErr != nil {
				log.Error("failed to release runtime after setup error", "error", closeErr)
			}
			rt = nil
		}
	}()

	checkTimeout := cfg.Executor.StoreTimeout

	jobStore, err := store.OpenJobStore(cfg.Database, log)
	if err != nil {
		return rt, fmt.Errorf("open job store: %w", err)
	}
	rt.Store = jobStore
	rt.onShutdown("job store", func(context.Context) error { return jobStore.Close() })
	rt.Health.Register(jobs.NewStoreHealthChecker("jobs-store", jobStore, checkTimeout))

	if cfg.Database.MigrateOnStart {
		if err := rt.Migrate("up", 0); err != nil && !errors.Is(err, store.ErrNoSchema) {
			return rt, fmt.Errorf("migrate job store: %w", err)
		}
	}

	cal, err := calendar.New(cfg.Calendar.CalendarSettings())
	if err != nil {
		return rt, fmt.Errorf("build calendar: %w", err)
	}
	rt.Calendar = cal

	registry, err := store.OpenDueDateRegistry(cfg.Registry, log)
	if err != nil {
		return rt, fmt.Errorf("open due date registry: %w", err)
	}
	rt.Registry = registry
	if closer, ok := registry.(io.Closer); ok {
		rt.onShutdown("due date registry", func(context.Context) error { return closer.Close() })
	}
	if checkable, ok := registry.(health.Checkable); ok {
		rt.Health.Register(health.NewProbe("due-date-registry", checkable, checkTimeout))
	}

	bus, err := eventbusfactory.Open(context.Background(), cfg.Events, log)
	if err != nil {
		return rt, fmt.Errorf("open event bus: %w", err)
	}
	if bus != nil {
		rt.EventBus = bus
		rt.Health.Register(health.NewProbe("eventbus", bus, checkTimeout))
		notifier, err := jobs.NewEventNotifier(bus, jobs.EventNotifierConfig{
			Topic:          cfg.Events.Topic,
			System:         cfg.Events.Type,
			PublishTimeout: cfg.Events.PublishTimeout,
		}, log)
		if err != nil {
			_ = bus.Close()
			return rt, fmt.Errorf("create event notifier: %w", err)
		}
		rt.Notifier = notifier
		rt.onShutdown("event bus", func(context.Context) error { return notifier.Close() })
	}

	rt.Scheduler, err = jobs.NewScheduler(jobStore, log, jobs.SchedulerConfig{
		DefaultRetries: cfg.Executor.DefaultRetries,
	}, jobs.WithCalendar(cal))
	if err != nil {
		return rt, fmt.Errorf("create scheduler: %w", err)
	}

	if err := rt.Metrics.Register(jobs.Collectors()...); err != nil {
		return rt, fmt.Errorf("register job metrics: %w", err)
	}

	if opts.Handlers != nil {
		if err := rt.buildExecutor(opts); err != nil {
			return rt, err
		}
	}

	if cfg.Management.Enabled {
		rt.Management, err = management.NewManagementServer(management.Options{
			Config:          cfg.Management,
			ServiceName:     cfg.Service.Name,
			Logger:          log,
			HealthRegistry:  rt.Health,
			MetricsRegistry: rt.Metrics,
			Admin:           rt.Scheduler,
		})
		if err != nil {
			return rt, fmt.Errorf("create management server: %w", err)
		}
	}
	return rt, nil
}

func (rt *Runtime) buildExecutor(opts RuntimeOptions) error {
	cfg := rt.Config.Executor
	dispatcher := jobs.NewDispatcher(opts.Handlers, opts.TimerHooks, rt.Logger)

	execOpts := []jobs.Option{
		jobs.WithCalendar(rt.Calendar),
		jobs.WithDueDateRegistry(rt.Registry),
		jobs.WithNotifier(rt.Notifier),
	}
	if cfg.ReclaimRate > 0 {
		execOpts = append(execOpts, jobs.WithReclaimLimiter(rate.NewLimiter(rate.Limit(cfg.ReclaimRate), cfg.ReclaimBurst)))
	}

	executor, err := jobs.NewExecutor(rt.Store, dispatcher, rt.Logger, jobs.ExecutorConfig{
		Name:                cfg.Name,
		WorkerCount:         cfg.WorkerCount,
		IdleInterval:        cfg.IdleInterval,
		MaxIdleInterval:     cfg.MaxIdleInterval,
		MaxLockDuration:     cfg.MaxLockDuration,
		LockReclaimInterval: cfg.LockReclaimInterval,
		LockSafetyBuffer:    cfg.LockSafetyBuffer,
		StopTimeout:         cfg.StopTimeout,
	}, execOpts...)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	rt.Executor = executor
	rt.Health.Register(jobs.NewExecutorHealthChecker("jobs-executor", executor, cfg.StoreTimeout))
	return nil
}

// Migrate runs a migrate subcommand against the job store schema.
func (rt *Runtime) Migrate(subcommand string, steps int) error {
	return rt.Store.Migrate(subcommand, steps, migrate.Options{
		ServiceName: rt.Config.Service.Name,
		Timeout:     defaultMigrationTimeout,
		Logger:      rt.Logger,
	})
}

// Run starts the executor and the management server and blocks until ctx is
// done or one of them fails.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.Executor == nil {
		return errors.New("runtime has no executor: no handlers were registered")
	}

	info := version.Current(rt.Config.Service.Name)
	rt.Logger.Info("application version metadata",
		"service", info.Service,
		"version", info.Version,
		"commit", info.Commit,
		"build_time", info.BuildTime,
	)

	tracerProvider, err := setupTracing(ctx, rt.Config, info, rt.Executor.Name())
	if err != nil {
		return fmt.Errorf("initialize tracing provider: %w", err)
	}
	defer shutdownTracing(tracerProvider, rt.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	count := 1
	errCh := make(chan error, 2)
	go func() { errCh <- rt.Executor.Run(runCtx) }()
	if rt.Management != nil {
		count++
		go func() { errCh <- rt.Management.Start(runCtx) }()
	}

	var firstErr error
	for i := 0; i < count; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// Close runs the shutdown hooks in reverse order of registration.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.shutdownHooks) - 1; i >= 0; i-- {
		hook := rt.shutdownHooks[i]
		rt.Logger.Debug("shutdown hook start", "hook", hook.Name)

		hookCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownHookTimeout)
		err := hook.Fn(hookCtx)
		cancel()
		if err != nil {
			rt.Logger.Error("shutdown hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("shutdown hook %q failed: %w", hook.Name, err))
		}
	}
	rt.shutdownHooks = nil
	return errors.Join(errs...)
}

func (rt *Runtime) onShutdown(name string, fn func(context.Context) error) {
	rt.shutdownHooks = append(rt.shutdownHooks, LifecycleHook{Name: name, Fn: fn})
}

func setupTracing(ctx context.Context, cfg *config.Config, info version.Info, instanceID string) (*tracing.Provider, error) {
	serviceName := strings.TrimSpace(cfg.Observability.ServiceName)
	if serviceName == "" {
		serviceName = info.Service
	}
	environment := strings.TrimSpace(cfg.Service.Environment)
	if environment == "" {
		environment = version.Unknown
	}
	return tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: info.Version,
		Environment:    environment,
		InstanceID:     instanceID,
		Endpoint:       cfg.Observability.TracingEndpoint,
		Insecure:       cfg.Observability.TracingInsecure,
		SampleRate:     cfg.Observability.TracingSampleRate,
	})
}

func shutdownTracing(provider *tracing.Provider, log logger.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownHookTimeout)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown tracing provider", "error", err)
	}
}
