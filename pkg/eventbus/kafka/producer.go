// Package kafka publishes job events to Apache Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/jobexec/pkg/eventbus"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/segmentio/kafka-go"
)

const (
	defaultWriteTimeout = 30 * time.Second
	defaultAttempts     = 3
	probeTimeout        = 5 * time.Second
)

// Config selects the brokers and the write policy.
type Config struct {
	Brokers []string
	// WriteTimeout bounds one Publish, retries included.
	WriteTimeout time.Duration
	Attempts     int
}

func (c Config) withDefaults() (Config, error) {
	if len(c.Brokers) == 0 {
		return c, errors.New("kafka: at least one broker is required")
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	return c, nil
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type dialFunc func(ctx context.Context, network, address string) (*kafka.Conn, error)

// Producer writes each message synchronously with acks from all in-sync
// replicas. The hash balancer keeps one key on one partition.
type Producer struct {
	eventbus.Lifecycle

	w    writer
	dial dialFunc
	cfg  Config
	log  logger.Logger
}

var _ eventbus.EventBus = (*Producer)(nil)

// New builds a producer. No connection is made until the first write.
func New(cfg Config, log logger.Logger) (*Producer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.Attempts,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	p := newWithWriter(w, cfg, log)
	p.log.Info("kafka producer ready", "brokers", cfg.Brokers, "attempts", cfg.Attempts)
	return p, nil
}

func newWithWriter(w writer, cfg Config, log logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Producer{w: w, dial: kafka.DialContext, cfg: cfg, log: log.With("eventbus", "kafka")}
}

// Publish writes message to topic and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := p.Ready(message); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, record(topic, message)); err != nil {
		return fmt.Errorf("kafka: write %s to %s: %w", message.ID, topic, err)
	}
	p.log.Debug("event written", "topic", topic, "message_id", message.ID, "key", message.Key)
	return nil
}

// HealthCheck asks the first broker for cluster metadata.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.Ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", p.cfg.Brokers[0], err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("kafka: read broker metadata: %w", err)
	}
	return nil
}

// Close flushes the writer. Later calls do nothing.
func (p *Producer) Close() error {
	if !p.Lifecycle.Close() {
		return nil
	}
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}

func record(topic string, message *eventbus.Message) kafka.Message {
	envelope := message.Envelope()
	headers := make([]kafka.Header, 0, len(envelope))
	for k, v := range envelope {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(message.Key),
		Value:   message.Value,
		Headers: headers,
		Time:    message.Timestamp,
	}
}
