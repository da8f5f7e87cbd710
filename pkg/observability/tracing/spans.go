// Package tracing provides OpenTelemetry tracing for job execution, store access and event publishing.
package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation names what a span measures. The prefix before the dot picks
// the tracer and span kind.
type SpanOperation string

const (
	SpanOperationJobAcquire SpanOperation = "job.acquire"
	SpanOperationJobExecute SpanOperation = "job.execute"
	SpanOperationJobReclaim SpanOperation = "job.reclaim"

	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBUpdate SpanOperation = "db.update"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBDelete SpanOperation = "db.delete"

	SpanOperationMsgPublish SpanOperation = "messaging.publish"
)

// Attribute keys without a semantic convention.
const (
	AttrJobID              = attribute.Key("job.id")
	AttrJobHandler         = attribute.Key("job.handler")
	AttrJobWorker          = attribute.Key("job.worker")
	AttrJobProcessInstance = attribute.Key("job.process_instance")
	AttrOperation          = attribute.Key("jobexec.operation")
)

// Option adds attributes to a span and may extend its name.
type Option func(*span)

type span struct {
	suffix string
	attrs  []attribute.KeyValue
}

func (s *span) add(kv attribute.KeyValue) { s.attrs = append(s.attrs, kv) }

type family struct {
	tracer string
	prefix string
	kind   trace.SpanKind
}

var families = map[string]family{
	"job":       {tracer: "jobs", prefix: "JOB", kind: trace.SpanKindInternal},
	"db":        {tracer: "database", prefix: "DB", kind: trace.SpanKindClient},
	"messaging": {tracer: "messaging", prefix: "MSG", kind: trace.SpanKindProducer},
}

// Start opens a span named "<PREFIX> <operation> [suffix]" on the global
// tracer provider.
func Start(ctx context.Context, operation SpanOperation, opts ...Option) (context.Context, trace.Span) {
	group, _, _ := strings.Cut(string(operation), ".")
	f, ok := families[group]
	if !ok {
		f = family{tracer: "jobexec", prefix: strings.ToUpper(group), kind: trace.SpanKindInternal}
	}
	s := &span{attrs: []attribute.KeyValue{AttrOperation.String(string(operation))}}
	for _, opt := range opts {
		opt(s)
	}
	name := f.prefix + " " + string(operation)
	if s.suffix != "" {
		name += " " + s.suffix
	}
	return otel.Tracer(f.tracer).Start(ctx, name, trace.WithSpanKind(f.kind), trace.WithAttributes(s.attrs...))
}

// StartJobSpan opens an internal span for executor work.
func StartJobSpan(ctx context.Context, operation SpanOperation, opts ...Option) (context.Context, trace.Span) {
	return Start(ctx, operation, opts...)
}

// StartDatabaseSpan opens a client span for a store statement.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...Option) (context.Context, trace.Span) {
	return Start(ctx, operation, opts...)
}

// StartMessagingSpan opens a producer span for an event publish.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...Option) (context.Context, trace.Span) {
	return Start(ctx, operation, opts...)
}

func WithJobID(id int64) Option {
	return func(s *span) { s.add(AttrJobID.Int64(id)) }
}

// WithJobHandler also names the span after the handler.
func WithJobHandler(handler string) Option {
	return func(s *span) {
		s.suffix = handler
		s.add(AttrJobHandler.String(handler))
	}
}

func WithWorker(worker string) Option {
	return func(s *span) { s.add(AttrJobWorker.String(worker)) }
}

// WithProcessInstance is a no-op for jobs without an owner.
func WithProcessInstance(id string) Option {
	return func(s *span) {
		if id != "" {
			s.add(AttrJobProcessInstance.String(id))
		}
	}
}

// WithDBTable also names the span after the table.
func WithDBTable(table string) Option {
	return func(s *span) {
		s.suffix = table
		s.add(semconv.DBSQLTableKey.String(table))
	}
}

func WithDBSystem(system string) Option {
	return func(s *span) { s.add(semconv.DBSystemKey.String(system)) }
}

func WithMessagingSystem(system string) Option {
	return func(s *span) { s.add(semconv.MessagingSystemKey.String(system)) }
}

// WithMessagingDestination also names the span after the topic or queue.
func WithMessagingDestination(destination string) Option {
	return func(s *span) {
		s.suffix = destination
		s.add(semconv.MessagingDestinationNameKey.String(destination))
	}
}

// RecordError marks span failed. A nil err leaves it untouched.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
