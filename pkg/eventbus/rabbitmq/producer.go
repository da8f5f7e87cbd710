// Package rabbitmq publishes job events to a RabbitMQ exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimburion/jobexec/pkg/eventbus"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchange     = "jobexec"
	defaultExchangeKind = amqp.ExchangeTopic
	defaultTimeout      = 30 * time.Second
)

// ErrNacked is returned when the broker refuses a confirmed publish.
var ErrNacked = errors.New("rabbitmq: broker nacked the message")

// Config selects the broker and the exchange events are routed through.
type Config struct {
	URL          string
	Exchange     string
	ExchangeKind string
	Timeout      time.Duration
	// Unconfirmed skips publisher confirms.
	Unconfirmed bool
}

func (c Config) withDefaults() (Config, error) {
	if c.URL == "" {
		return c, errors.New("rabbitmq: url is required")
	}
	if c.Exchange == "" {
		c.Exchange = defaultExchange
	}
	if c.ExchangeKind == "" {
		c.ExchangeKind = defaultExchangeKind
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c, nil
}

type channel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Producer publishes persistent messages with the topic as routing key.
type Producer struct {
	eventbus.Lifecycle

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
	cfg  Config
	log  logger.Logger
}

var _ eventbus.EventBus = (*Producer)(nil)

// Dial connects, declares a durable exchange and enables confirms unless
// cfg.Unconfirmed is set.
func Dial(cfg Config, log logger.Logger) (*Producer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := openChannel(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p := newWithChannel(ch, cfg, log)
	p.conn = conn
	p.log.Info("rabbitmq producer ready", "exchange", cfg.Exchange, "confirms", !cfg.Unconfirmed)
	return p, nil
}

func openChannel(conn *amqp.Connection, cfg Config) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.Unconfirmed {
		return ch, nil
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}
	return ch, nil
}

func newWithChannel(ch channel, cfg Config, log logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Producer{ch: ch, cfg: cfg, log: log.With("eventbus", "rabbitmq")}
}

// Publish routes message by topic and, in confirm mode, waits for the ack.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := p.Ready(message); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, topic, false, false, publishing(message))
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", message.ID, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	switch {
	case err != nil:
		return fmt.Errorf("rabbitmq: confirm %s: %w", message.ID, err)
	case !acked:
		return fmt.Errorf("%w: %s", ErrNacked, message.ID)
	}
	p.log.Debug("event confirmed", "routing_key", topic, "message_id", message.ID)
	return nil
}

// HealthCheck fails when the connection is gone or refuses a new channel.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.Ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return errors.New("rabbitmq: connection is closed")
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: probe channel: %w", err)
	}
	return ch.Close()
}

// Close releases the channel and the connection once.
func (p *Producer) Close() error {
	if !p.Lifecycle.Close() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq: close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq: close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func publishing(message *eventbus.Message) amqp.Publishing {
	var headers amqp.Table
	if len(message.Headers) > 0 {
		headers = make(amqp.Table, len(message.Headers))
		for k, v := range message.Headers {
			headers[k] = v
		}
	}
	return amqp.Publishing{
		MessageId:     message.ID,
		CorrelationId: message.Key,
		ContentType:   message.ContentType,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     message.Timestamp,
		Headers:       headers,
		Body:          message.Value,
	}
}
