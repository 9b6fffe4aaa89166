// Package nats provides a NATS JetStream implementation of the messaging interfaces.
//
// Each queue is a JetStream stream with work-queue retention, captured on a
// single subject, and read through one durable pull consumer.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/telhawk-systems/abbey/common/messaging"
)

// SubjectPrefix prefixes the subject each queue stream captures.
const SubjectPrefix = "abbey.events."

// ConsumerName is the durable consumer used by the display side.
const ConsumerName = "display"

// maxBatch matches the SQS per-receive limit so every backend polls alike.
const maxBatch = 10

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// MaxAge bounds how long an undelivered message is kept.
	MaxAge time.Duration

	// AckWait is how long a fetched message stays invisible before redelivery.
	AckWait time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "abbey",
		MaxReconnects: -1, // Infinite reconnects
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		MaxAge:        24 * time.Hour,
		AckWait:       30 * time.Second,
	}
}

// Broker implements messaging.Broker using JetStream.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream
	cfg  Config
}

// NewBroker connects to NATS and creates a JetStream context.
func NewBroker(cfg Config, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Broker{conn: conn, js: js, cfg: cfg}, nil
}

// StreamName converts a queue name into a valid JetStream stream name.
func StreamName(queue string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t':
			return '_'
		}
		return r
	}, queue)
}

// CreateQueue creates or updates the stream backing a queue.
func (b *Broker) CreateQueue(ctx context.Context, name string) (messaging.Queue, error) {
	stream := StreamName(name)
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{SubjectPrefix + stream},
		MaxAge:    b.cfg.MaxAge,
		Retention: jetstream.WorkQueuePolicy, // Each message delivered once
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", stream, err)
	}
	return b.queue(name), nil
}

// OpenQueue opens the stream backing an existing queue.
func (b *Broker) OpenQueue(ctx context.Context, name string) (messaging.Queue, error) {
	stream := StreamName(name)
	if _, err := b.js.Stream(ctx, stream); err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, name)
		}
		return nil, fmt.Errorf("failed to get stream %s: %w", stream, err)
	}
	return b.queue(name), nil
}

// DeleteQueue deletes the stream and its consumer.
func (b *Broker) DeleteQueue(ctx context.Context, q messaging.Queue) error {
	stream := StreamName(q.Name())
	if err := b.js.DeleteStream(ctx, stream); err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, q.Name())
		}
		return fmt.Errorf("failed to delete stream %s: %w", stream, err)
	}
	return nil
}

// Close drains and closes the connection.
func (b *Broker) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}

func (b *Broker) queue(name string) *Queue {
	stream := StreamName(name)
	return &Queue{
		js:       b.js,
		name:     name,
		stream:   stream,
		subject:  SubjectPrefix + stream,
		ackWait:  b.cfg.AckWait,
		inflight: make(map[string]jetstream.Msg),
	}
}

// Queue implements messaging.Queue over one stream.
type Queue struct {
	js       jetstream.JetStream
	name     string
	stream   string
	subject  string
	ackWait  time.Duration
	mu       sync.Mutex
	consumer jetstream.Consumer
	inflight map[string]jetstream.Msg
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// URL returns the stream name.
func (q *Queue) URL() string { return q.stream }

// Send publishes a body to the queue subject and waits for the stream ack.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	if _, err := q.js.Publish(ctx, q.subject, body); err != nil {
		return fmt.Errorf("publish to %s: %w", q.subject, err)
	}
	return nil
}

// Receive fetches up to ten messages without waiting.
func (q *Queue) Receive(ctx context.Context) ([]*messaging.Message, error) {
	consumer, err := q.pullConsumer(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := consumer.FetchNoWait(maxBatch)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", q.stream, err)
	}

	var out []*messaging.Message
	for msg := range batch.Messages() {
		m := &messaging.Message{
			Body:          msg.Data(),
			ReceiptHandle: msg.Reply(),
		}
		if meta, err := msg.Metadata(); err == nil {
			m.SentAt = meta.Timestamp
			m.Metadata = map[string]string{
				"stream_sequence": fmt.Sprint(meta.Sequence.Stream),
				"num_delivered":   fmt.Sprint(meta.NumDelivered),
			}
		}
		q.mu.Lock()
		q.inflight[m.ReceiptHandle] = msg
		q.mu.Unlock()
		out = append(out, m)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch from %s: %w", q.stream, err)
	}
	return out, nil
}

// Delete acknowledges a fetched message, removing it from the work queue.
func (q *Queue) Delete(ctx context.Context, msg *messaging.Message) error {
	q.mu.Lock()
	jsMsg, ok := q.inflight[msg.ReceiptHandle]
	delete(q.inflight, msg.ReceiptHandle)
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown receipt handle %q", msg.ReceiptHandle)
	}
	return jsMsg.Ack()
}

func (q *Queue) pullConsumer(ctx context.Context) (jetstream.Consumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumer != nil {
		return q.consumer, nil
	}

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Name:      ConsumerName,
		Durable:   ConsumerName,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   q.ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", ConsumerName, err)
	}
	q.consumer = consumer
	return consumer, nil
}
