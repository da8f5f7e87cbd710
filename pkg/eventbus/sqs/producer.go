// Package sqs publishes job events to an AWS SQS queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/jobexec/pkg/eventbus"
	"github.com/nimburion/jobexec/pkg/observability/logger"
)

// AttributeTopic names the message attribute holding the logical topic. All
// topics share the configured queue.
const AttributeTopic = "topic"

const (
	defaultTimeout = 30 * time.Second
	probeTimeout   = 2 * time.Second
	defaultGroup   = "default"
)

// Client is the subset of *sqs.Client the producer calls.
type Client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config locates the queue. Static credentials are optional; without them the
// default AWS credential chain applies.
type Config struct {
	Region          string
	QueueURL        string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Timeout         time.Duration
}

func (c Config) withDefaults() (Config, error) {
	var errs []error
	if c.Region == "" {
		errs = append(errs, errors.New("sqs: region is required"))
	}
	if c.QueueURL == "" {
		errs = append(errs, errors.New("sqs: queue url is required"))
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c, errors.Join(errs...)
}

// Producer sends one SQS message per event. On FIFO queues the message key is
// the group id and the message id the deduplication id.
type Producer struct {
	eventbus.Lifecycle

	client Client
	cfg    Config
	fifo   bool
	log    logger.Logger
}

var _ eventbus.EventBus = (*Producer)(nil)

// New loads the AWS configuration and checks that the queue exists.
func New(ctx context.Context, cfg Config, log logger.Logger) (*Producer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	p := newWithClient(client, cfg, log)
	if err := p.HealthCheck(ctx); err != nil {
		return nil, err
	}
	p.log.Info("sqs producer ready", "queue_url", cfg.QueueURL, "fifo", p.fifo)
	return p, nil
}

func newWithClient(client Client, cfg Config, log logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Producer{
		client: client,
		cfg:    cfg,
		fifo:   strings.HasSuffix(cfg.QueueURL, ".fifo"),
		log:    log.With("eventbus", "sqs"),
	}
}

// Publish sends message with topic as a message attribute.
func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := p.Ready(message); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.cfg.QueueURL),
		MessageBody:       aws.String(string(message.Value)),
		MessageAttributes: attributes(topic, message),
	}
	if p.fifo {
		group := message.Key
		if group == "" {
			group = defaultGroup
		}
		in.MessageGroupId = aws.String(group)
		in.MessageDeduplicationId = aws.String(message.ID)
	}
	out, err := p.client.SendMessage(ctx, in)
	if err != nil {
		return fmt.Errorf("sqs: send %s: %w", message.ID, err)
	}
	p.log.Debug("event sent", "topic", topic, "message_id", message.ID, "sqs_message_id", aws.ToString(out.MessageId))
	return nil
}

// HealthCheck reads the queue ARN.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.Ready(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs: queue attributes: %w", err)
	}
	return nil
}

// Close only marks the producer closed; the client keeps no connections.
func (p *Producer) Close() error {
	p.Lifecycle.Close()
	return nil
}

func attributes(topic string, message *eventbus.Message) map[string]types.MessageAttributeValue {
	envelope := message.Envelope()
	if topic != "" {
		envelope[AttributeTopic] = topic
	}
	if len(envelope) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(envelope))
	for k, v := range envelope {
		out[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}
