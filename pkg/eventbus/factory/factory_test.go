package factory

import (
	"context"
	"strings"
	"testing"

	"github.com/nimburion/jobexec/pkg/config"
	"github.com/nimburion/jobexec/pkg/eventbus/kafka"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

func open(cfg config.EventsConfig) (any, error) {
	return Open(context.Background(), cfg, logger.NewNop())
}

func TestOpen_None(t *testing.T) {
	for _, kind := range []string{"", "none", " NONE "} {
		bus, err := Open(context.Background(), config.EventsConfig{Type: kind}, logger.NewNop())
		if err != nil || bus != nil {
			t.Fatalf("type %q: expected nil bus, got %v, %v", kind, bus, err)
		}
	}
}

func TestOpen_Kafka(t *testing.T) {
	bus, err := Open(context.Background(), config.EventsConfig{Type: "kafka", Brokers: []string{"localhost:9092"}}, logger.NewNop())
	if err != nil {
		t.Fatalf("kafka: %v", err)
	}
	defer bus.Close()
	if _, ok := bus.(*kafka.Producer); !ok {
		t.Fatalf("expected kafka producer, got %T", bus)
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.EventsConfig
		want string
	}{
		{"kafka without brokers", config.EventsConfig{Type: "kafka"}, "broker"},
		{"rabbitmq without url", config.EventsConfig{Type: "rabbitmq"}, "url"},
		{"sqs without region", config.EventsConfig{Type: "sqs", QueueURL: "q"}, "region"},
		{"sqs without queue", config.EventsConfig{Type: "sqs", Region: "eu-west-1"}, "queue url"},
		{"unknown type", config.EventsConfig{Type: "nats"}, "unsupported events.type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := open(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
