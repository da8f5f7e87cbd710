package jobs

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/jobexec/pkg/calendar"
)

// Option configures workers, reclaimers and executors.
type Option func(*options)

type options struct {
	calendar       *calendar.Calendar
	registry       DueDateRegistry
	notifier       Notifier
	now            func() time.Time
	reclaimLimiter *rate.Limiter
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.calendar == nil {
		o.calendar = calendar.Default()
	}
	if o.registry == nil {
		o.registry = NewMemoryDueDateRegistry()
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// WithCalendar sets the calendar used to re-arm repeating timers.
func WithCalendar(cal *calendar.Calendar) Option {
	return func(o *options) { o.calendar = cal }
}

// WithDueDateRegistry shares a monitored-due-date registry between workers.
func WithDueDateRegistry(registry DueDateRegistry) Option {
	return func(o *options) { o.registry = registry }
}

// WithNotifier sets the receiver of lifecycle events.
func WithNotifier(notifier Notifier) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithReclaimLimiter paces the unlocks of the lock reclaimer.
func WithReclaimLimiter(limiter *rate.Limiter) Option {
	return func(o *options) { o.reclaimLimiter = limiter }
}
