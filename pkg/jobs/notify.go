package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/jobexec/pkg/eventbus"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/observability/tracing"
	"github.com/nimburion/jobexec/pkg/resilience"
)

// EventType names a job lifecycle notification.
type EventType string

const (
	EventJobCompleted   EventType = "job.completed"
	EventJobRescheduled EventType = "job.rescheduled"
	EventJobFailed      EventType = "job.failed"
	EventJobParked      EventType = "job.parked"
	EventJobReclaimed   EventType = "job.reclaimed"
)

const (
	DefaultPublishTimeout     = 5 * time.Second
	DefaultBreakerMaxFailures = 5
	DefaultBreakerOpenTimeout = 30 * time.Second
)

const (
	notificationContentType       = "application/json"
	notificationEventTypeHeader   = "event_type"
	notificationHandlerHeader     = "job_handler"
	notificationProcessInstHeader = "process_instance_id"
)

// Event describes a committed job state change.
type Event struct {
	Type              EventType `json:"type"`
	JobID             int64     `json:"job_id"`
	ProcessInstanceID string    `json:"process_instance_id,omitempty"`
	Handler           string    `json:"handler,omitempty"`
	Worker            string    `json:"worker,omitempty"`
	Retries           int       `json:"retries"`
	Exception         string    `json:"exception,omitempty"`
	DueDate           time.Time `json:"due_date,omitempty"`
	At                time.Time `json:"at"`
}

func newEvent(eventType EventType, job *Job, worker string, at time.Time) Event {
	return Event{
		Type:              eventType,
		JobID:             job.ID,
		ProcessInstanceID: job.ProcessInstanceID,
		Handler:           job.Payload.Handler,
		Worker:            worker,
		Retries:           job.Retries,
		Exception:         job.Exception,
		DueDate:           job.DueDate,
		At:                at,
	}
}

// Notifier receives job lifecycle events after the transaction that produced
// them has committed. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event Event) {
	f(ctx, event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) {}

// EventNotifierConfig configures publishing of lifecycle events to a broker.
type EventNotifierConfig struct {
	Topic              string
	System             string
	PublishTimeout     time.Duration
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

func (c *EventNotifierConfig) normalize() {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = DefaultBreakerOpenTimeout
	}
	if strings.TrimSpace(c.System) == "" {
		c.System = "eventbus"
	}
}

// EventNotifier publishes lifecycle events as JSON messages through a circuit
// breaker and a per-publish timeout. Failed events are logged and dropped.
type EventNotifier struct {
	producer eventbus.Producer
	config   EventNotifierConfig
	breaker  *resilience.CircuitBreaker
	log      logger.Logger
}

// NewEventNotifier creates a notifier publishing to cfg.Topic through producer.
func NewEventNotifier(producer eventbus.Producer, cfg EventNotifierConfig, log logger.Logger) (*EventNotifier, error) {
	if producer == nil {
		return nil, jobsError(ErrInvalidArgument, "event producer is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, jobsError(ErrInvalidArgument, "event topic is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.normalize()
	n := &EventNotifier{
		producer: producer,
		config:   cfg,
		log:      log,
	}
	n.breaker = resilience.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout,
		resilience.WithStateChange(n.breakerStateChanged))
	setNotifierBreakerState(cfg.Topic, resilience.StateClosed)
	return n, nil
}

func (n *EventNotifier) breakerStateChanged(from, to resilience.State) {
	setNotifierBreakerState(n.config.Topic, to)
	if to == resilience.StateOpen {
		n.log.Warn("job event publishing suspended",
			"topic", n.config.Topic,
			"open_timeout", n.config.BreakerOpenTimeout,
		)
		return
	}
	n.log.Info("job event circuit breaker state changed", "topic", n.config.Topic, "from", from.String(), "to", to.String())
}

// Notify implements Notifier.
func (n *EventNotifier) Notify(ctx context.Context, event Event) {
	if err := n.Publish(ctx, event); err != nil {
		n.log.Warn("job event not published",
			"event_type", string(event.Type),
			"job_id", event.JobID,
			"error", err,
		)
	}
}

// Publish sends one event and returns the broker error, if any.
func (n *EventNotifier) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	msg := &eventbus.Message{
		ID:          uuid.NewString(),
		Key:         strconv.FormatInt(event.JobID, 10),
		Value:       body,
		ContentType: notificationContentType,
		Timestamp:   event.At,
		Headers: map[string]string{
			notificationEventTypeHeader: string(event.Type),
			notificationHandlerHeader:   event.Handler,
		},
	}
	if event.ProcessInstanceID != "" {
		msg.Headers[notificationProcessInstHeader] = event.ProcessInstanceID
	}

	spanCtx, span := tracing.StartMessagingSpan(
		ctx,
		tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem(n.config.System),
		tracing.WithMessagingDestination(n.config.Topic),
	)
	defer span.End()

	err = n.breaker.Execute(func() error {
		return resilience.WithTimeout(spanCtx, n.config.PublishTimeout, func(publishCtx context.Context) error {
			return n.producer.Publish(publishCtx, n.config.Topic, msg)
		})
	})
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	tracing.RecordSuccess(span)
	return nil
}

// Close closes the underlying producer.
func (n *EventNotifier) Close() error {
	return n.producer.Close()
}
