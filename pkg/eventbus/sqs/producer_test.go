package sqs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nimburion/jobexec/pkg/eventbus"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

type stubClient struct {
	sent     []*sqs.SendMessageInput
	probeErr error
}

func (c *stubClient) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.sent = append(c.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("sqs-1")}, nil
}

func (c *stubClient) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, c.probeErr
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"no queue", Config{Region: "eu-west-1"}},
		{"no region", Config{QueueURL: "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(context.Background(), tt.cfg, nil); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPublish_StandardQueue(t *testing.T) {
	client := &stubClient{}
	p := newWithClient(client, Config{QueueURL: "https://sqs.local/1/jobs"}, logger.NewNop())

	err := p.Publish(context.Background(), "jobexec.jobs", &eventbus.Message{ID: "evt-1", Key: "order-9", Value: []byte("{}"), ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	in := client.sent[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.local/1/jobs" || aws.ToString(in.MessageBody) != "{}" {
		t.Fatalf("unexpected input %+v", in)
	}
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Fatal("standard queue must not carry fifo fields")
	}
	for name, want := range map[string]string{AttributeTopic: "jobexec.jobs", eventbus.HeaderMessageID: "evt-1"} {
		if got := aws.ToString(in.MessageAttributes[name].StringValue); got != want {
			t.Fatalf("attribute %s = %q, want %q", name, got, want)
		}
	}
}

func TestPublish_FIFOQueue(t *testing.T) {
	client := &stubClient{}
	p := newWithClient(client, Config{QueueURL: "https://sqs.local/1/jobs.fifo"}, nil)

	for _, m := range []*eventbus.Message{{ID: "evt-1", Key: "order-9"}, {ID: "evt-2"}} {
		if err := p.Publish(context.Background(), "", m); err != nil {
			t.Fatalf("Publish %s: %v", m.ID, err)
		}
	}
	if aws.ToString(client.sent[0].MessageGroupId) != "order-9" || aws.ToString(client.sent[0].MessageDeduplicationId) != "evt-1" {
		t.Fatalf("unexpected fifo fields %+v", client.sent[0])
	}
	if got := aws.ToString(client.sent[1].MessageGroupId); got != defaultGroup {
		t.Fatalf("expected default group, got %q", got)
	}
}

func TestClose(t *testing.T) {
	p := newWithClient(&stubClient{}, Config{QueueURL: "q"}, nil)
	_ = p.Close()
	if err := p.Publish(context.Background(), "t", &eventbus.Message{ID: "1"}); !errors.Is(err, eventbus.ErrClosed) {
		t.Fatalf("Publish after Close: %v", err)
	}
	if err := p.HealthCheck(context.Background()); !errors.Is(err, eventbus.ErrClosed) {
		t.Fatalf("HealthCheck after Close: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	cause := errors.New("AWS.SimpleQueueService.NonExistentQueue")
	p := newWithClient(&stubClient{probeErr: cause}, Config{QueueURL: "q"}, nil)
	if err := p.HealthCheck(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected queue error, got %v", err)
	}
}

func TestProperty_HeadersBecomeAttributes(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("every header is a string attribute", prop.ForAll(
		func(keys []string, value string) bool {
			headers := map[string]string{}
			for _, k := range keys {
				headers["h_"+k] = value
			}
			attrs := attributes("", &eventbus.Message{Headers: headers})
			if len(attrs) != len(headers) {
				return false
			}
			for k, v := range headers {
				attr, ok := attrs[k]
				if !ok || aws.ToString(attr.DataType) != "String" || aws.ToString(attr.StringValue) != v {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
