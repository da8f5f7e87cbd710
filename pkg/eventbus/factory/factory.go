// Package factory opens the event bus named by the events configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/eventbus"
	"github.com/nimburion/jobexec/pkg/eventbus/kafka"
	"github.com/nimburion/jobexec/pkg/eventbus/rabbitmq"
	"github.com/nimburion/jobexec/pkg/eventbus/sqs"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

// Open returns the bus for cfg.Type, or nil without error for "none".
func Open(ctx context.Context, cfg config.EventsConfig, log logger.Logger) (eventbus.EventBus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", config.EventsTypeNone:
		return nil, nil
	case config.EventsTypeKafka:
		return kafka.New(kafka.Config{Brokers: cfg.Brokers, WriteTimeout: cfg.PublishTimeout}, log)
	case config.EventsTypeRabbitMQ:
		url := cfg.URL
		if url == "" && len(cfg.Brokers) > 0 {
			url = cfg.Brokers[0]
		}
		return rabbitmq.Dial(rabbitmq.Config{URL: url, Exchange: cfg.Exchange, Timeout: cfg.PublishTimeout}, log)
	case config.EventsTypeSQS:
		return sqs.New(ctx, sqs.Config{
			Region:          cfg.Region,
			QueueURL:        cfg.QueueURL,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretKey,
			SessionToken:    cfg.SessionToken,
			Timeout:         cfg.PublishTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported events.type %q (supported: none, kafka, rabbitmq, sqs)", cfg.Type)
	}
}
