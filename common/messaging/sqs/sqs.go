// Package sqs provides an Amazon SQS implementation of the messaging interfaces.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/telhawk-systems/abbey/common/messaging"
)

// API is the subset of the SQS client used by this package.
type API interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Provider attribute names requested on every receive.
const (
	AttrSentTimestamp         = "SentTimestamp"
	AttrFirstReceiveTimestamp = "ApproximateFirstReceiveTimestamp"
)

// maxBatch is the SQS per-receive limit.
const maxBatch = 10

// Config holds SQS client configuration.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1").
	Region string

	// Endpoint is an optional custom endpoint (LocalStack, ElasticMQ).
	Endpoint string

	// WaitTime enables long polling when non-zero. Zero means short polling,
	// which returns immediately when the queue is empty.
	WaitTime time.Duration
}

// Broker implements messaging.Broker using SQS.
type Broker struct {
	api      API
	waitTime time.Duration
}

// NewBroker loads the default AWS credential chain and creates a broker.
func NewBroker(ctx context.Context, cfg Config) (*Broker, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewBrokerWithAPI(client, cfg), nil
}

// NewBrokerWithAPI creates a broker around an existing client.
func NewBrokerWithAPI(api API, cfg Config) *Broker {
	return &Broker{api: api, waitTime: cfg.WaitTime}
}

// CreateQueue creates the named queue, or returns it if it already exists.
func (b *Broker) CreateQueue(ctx context.Context, name string) (messaging.Queue, error) {
	out, err := b.api.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("create queue %s: %w", name, err)
	}
	return b.queue(name, aws.ToString(out.QueueUrl)), nil
}

// OpenQueue resolves the URL of an existing queue.
func (b *Broker) OpenQueue(ctx context.Context, name string) (messaging.Queue, error) {
	out, err := b.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, name)
		}
		return nil, fmt.Errorf("get queue url %s: %w", name, err)
	}
	return b.queue(name, aws.ToString(out.QueueUrl)), nil
}

// DeleteQueue deletes the queue and every message in it.
func (b *Broker) DeleteQueue(ctx context.Context, q messaging.Queue) error {
	_, err := b.api.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: aws.String(q.URL()),
	})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, q.Name())
		}
		return fmt.Errorf("delete queue %s: %w", q.Name(), err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (b *Broker) Close() error {
	return nil
}

func (b *Broker) queue(name, url string) *Queue {
	return &Queue{
		api:      b.api,
		name:     name,
		url:      url,
		waitTime: b.waitTime,
	}
}

// Queue implements messaging.Queue for a single SQS queue.
type Queue struct {
	api      API
	name     string
	url      string
	waitTime time.Duration
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// URL returns the queue URL.
func (q *Queue) URL() string { return q.url }

// Send enqueues a raw body.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Receive returns up to ten visible messages with their provider timestamps.
func (q *Queue) Receive(ctx context.Context) ([]*messaging.Message, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.url),
		MaxNumberOfMessages:         maxBatch,
		WaitTimeSeconds:             int32(q.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	msgs := make([]*messaging.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, &messaging.Message{
			Body:            []byte(aws.ToString(m.Body)),
			ReceiptHandle:   aws.ToString(m.ReceiptHandle),
			SentAt:          epochMillis(m.Attributes[AttrSentTimestamp]),
			FirstReceivedAt: epochMillis(m.Attributes[AttrFirstReceiveTimestamp]),
			Metadata:        m.Attributes,
		})
	}
	return msgs, nil
}

// Delete removes a received message.
func (q *Queue) Delete(ctx context.Context, msg *messaging.Message) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// epochMillis parses an SQS millisecond timestamp attribute. Missing or
// unparsable values yield the zero time.
func epochMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
