// Package messaging provides abstractions over the managed queue that carries
// progress envelopes from the remote producer to the local consumer.
// It defines interfaces that allow the producer and consumer to work against
// any broker implementation (SQS, NATS JetStream, Redis, in-memory).
//
// Implementations are at-least-once and unordered: a message may be delivered
// more than once and in any order, and callers must not rely on receive order.
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrQueueNotFound is returned when opening a queue that does not exist.
var ErrQueueNotFound = errors.New("queue not found")

// Message represents a message received from a queue.
type Message struct {
	// Body is the raw message payload.
	Body []byte

	// ReceiptHandle identifies this delivery for Delete.
	ReceiptHandle string

	// SentAt is the provider-assigned send time. Coarse and not comparable
	// across producers; zero if the provider does not report it.
	SentAt time.Time

	// FirstReceivedAt is the provider-assigned time of first delivery; zero
	// if the provider does not report it.
	FirstReceivedAt time.Time

	// Metadata contains optional provider attributes.
	Metadata map[string]string
}

// Sender sends message bodies to a queue.
type Sender interface {
	// Send enqueues a body. Fire-and-forget: no delivery acknowledgement
	// beyond the broker accepting the message.
	Send(ctx context.Context, body []byte) error
}

// Receiver pulls messages from a queue.
type Receiver interface {
	// Receive returns the messages visible in one poll. An empty slice means
	// nothing is currently visible.
	Receive(ctx context.Context) ([]*Message, error)

	// Delete removes a received message so it is not delivered again.
	Delete(ctx context.Context, msg *Message) error
}

// Queue is a single named queue.
type Queue interface {
	Sender
	Receiver

	// Name returns the queue name.
	Name() string

	// URL returns the provider identity of the queue (queue URL, stream
	// name, key).
	URL() string
}

// Broker manages queue lifecycle.
type Broker interface {
	// CreateQueue creates a queue with the given name. Creating a queue that
	// already exists returns it.
	CreateQueue(ctx context.Context, name string) (Queue, error)

	// OpenQueue opens an existing queue. Returns ErrQueueNotFound if the
	// queue does not exist.
	OpenQueue(ctx context.Context, name string) (Queue, error)

	// DeleteQueue removes a queue and any messages still in it.
	DeleteQueue(ctx context.Context, q Queue) error

	// Close releases any resources held by the broker.
	Close() error
}

// ReceiveAll drains every currently visible message by polling until a poll
// returns empty. On error it returns everything received so far, including a
// partial batch from the failing poll; those messages are already in flight
// and must still be deleted by the caller.
func ReceiveAll(ctx context.Context, r Receiver) ([]*Message, error) {
	var all []*Message
	for {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		msgs, err := r.Receive(ctx)
		if err != nil {
			return append(all, msgs...), err
		}
		if len(msgs) == 0 {
			return all, nil
		}
		all = append(all, msgs...)
	}
}
