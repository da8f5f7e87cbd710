// Package eventbus carries job lifecycle messages to a broker.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by a producer after Close.
	ErrClosed = errors.New("eventbus: producer is closed")
	// ErrNoMessage is returned when Publish gets a nil message.
	ErrNoMessage = errors.New("eventbus: message is required")
)

// Producer publishes messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	// Close flushes pending messages and releases the broker connection.
	Close() error
}

// EventBus is a Producer whose broker can be probed. The kafka, rabbitmq and
// sqs adapters implement it.
type EventBus interface {
	Producer
	HealthCheck(ctx context.Context) error
}

// Message is one serialized event. Key groups messages that must stay in
// order: it becomes the Kafka partition key, the AMQP correlation id and the
// SQS FIFO message group.
type Message struct {
	ID          string
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}

// Envelope headers added by adapters without native fields for them.
const (
	HeaderMessageID   = "message_id"
	HeaderContentType = "content_type"
)

// Envelope returns a copy of Headers with the message id and content type added.
func (m *Message) Envelope() map[string]string {
	headers := make(map[string]string, len(m.Headers)+2)
	for k, v := range m.Headers {
		headers[k] = v
	}
	if m.ID != "" {
		headers[HeaderMessageID] = m.ID
	}
	if m.ContentType != "" {
		headers[HeaderContentType] = m.ContentType
	}
	return headers
}

// Lifecycle is the open/closed state shared by the adapters. The zero value
// is open.
type Lifecycle struct {
	mu     sync.RWMutex
	closed bool
}

// Ready returns ErrClosed after Close, and ErrNoMessage for a nil message
// when one is checked.
func (l *Lifecycle) Ready(message ...*Message) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	for _, m := range message {
		if m == nil {
			return ErrNoMessage
		}
	}
	return nil
}

// Close marks the adapter closed and reports whether this call did it, so
// resources are released once.
func (l *Lifecycle) Close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}
