package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/nimburion/jobexec/pkg/observability/logger"
)

// maxExceptionLength bounds the failure text stored on a job.
const maxExceptionLength = 4000

// Handler runs a job payload inside the worker's transaction (carried by ctx).
// It reports whether the job is done; for timers the flag is ignored because a
// timer always fires again when it has a repeat expression.
type Handler func(ctx context.Context, job *Job) (bool, error)

// HandlerRegistry maps payload handler names to handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// Register binds a handler to a payload handler name.
func (r *HandlerRegistry) Register(name string, handler Handler) error {
	if r == nil {
		return jobsError(ErrNotInitialized, "handler registry is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return jobsError(ErrInvalidArgument, "handler name is required")
	}
	if handler == nil {
		return jobsError(ErrInvalidArgument, "handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
	return nil
}

// Lookup returns the handler registered under name.
func (r *HandlerRegistry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[strings.TrimSpace(name)]
	return handler, ok
}

// Names returns the registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TimerHooks connect timers to the workflow layer. Both are optional.
type TimerHooks struct {
	// FireEvent fires the timer event on the owning graph element before the action runs.
	FireEvent func(ctx context.Context, job *Job) error
	// TakeTransition leaves the graph element through the timer's transition.
	TakeTransition func(ctx context.Context, job *Job, transition string) error
}

// Outcome is the classified result of executing a job payload.
type Outcome struct {
	// FireAgain reports that the job is done (one-shot) or must be re-armed (repeating).
	FireAgain bool
	// Err is a task logic failure; infrastructure failures are recorded on the
	// transaction state instead.
	Err error
}

// Dispatcher executes job payloads through the handler registry.
type Dispatcher struct {
	handlers *HandlerRegistry
	hooks    TimerHooks
	log      logger.Logger
}

// NewDispatcher creates a dispatcher. A nil logger discards output.
func NewDispatcher(handlers *HandlerRegistry, hooks TimerHooks, log logger.Logger) *Dispatcher {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{handlers: handlers, hooks: hooks, log: log}
}

// Handlers returns the registry the dispatcher resolves payloads from.
func (d *Dispatcher) Handlers() *HandlerRegistry {
	return d.handlers
}

// Execute runs the job payload and classifies the result. Panics are
// recovered into task logic failures.
func (d *Dispatcher) Execute(ctx context.Context, job *Job) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Outcome{Err: fmt.Errorf("panic while executing job %d: %v; stack=%s", job.ID, rec, string(debug.Stack()))}
		}
	}()

	handler, ok := d.handlers.Lookup(job.Payload.Handler)
	if !ok {
		return Outcome{Err: fmt.Errorf("no handler registered for %q", job.Payload.Handler)}
	}

	switch job.Payload.Kind {
	case PayloadTimer:
		return d.executeTimer(ctx, job, handler)
	case PayloadTask:
		done, err := handler(ctx, job)
		return Outcome{FireAgain: done, Err: err}
	default:
		return Outcome{Err: fmt.Errorf("unknown payload kind %q", job.Payload.Kind)}
	}
}

func (d *Dispatcher) executeTimer(ctx context.Context, job *Job, action Handler) Outcome {
	if d.hooks.FireEvent != nil {
		if err := d.hooks.FireEvent(ctx, job); err != nil {
			return Outcome{Err: fmt.Errorf("fire timer event: %w", err)}
		}
	}
	if _, err := action(ctx, job); err != nil {
		return Outcome{Err: err}
	}
	if transition := strings.TrimSpace(job.Payload.TransitionName); transition != "" && d.hooks.TakeTransition != nil {
		if err := d.hooks.TakeTransition(ctx, job, transition); err != nil {
			d.log.Info("timer transition not taken",
				"job_id", job.ID,
				"transition", transition,
				"error", err,
			)
		}
	}
	return Outcome{FireAgain: true}
}

// formatException renders a failure for Job.Exception.
func formatException(err error) string {
	if err == nil {
		return ""
	}
	text := strings.ReplaceAll(err.Error(), "\n", "; ")
	if len(text) > maxExceptionLength {
		text = text[:maxExceptionLength]
	}
	return text
}
