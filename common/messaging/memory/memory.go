// Package memory provides an in-process implementation of the messaging
// interfaces. It is used for local dry runs and tests.
//
// Like the managed queues it stands in for, it does not preserve order:
// every poll returns a random subset of visible messages in random order.
package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/telhawk-systems/abbey/common/messaging"
)

// DefaultBatchSize mirrors the SQS per-receive maximum.
const DefaultBatchSize = 10

// Broker is an in-memory messaging.Broker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*Queue
	batchSize int
	rand      *rand.Rand
}

// Option configures a Broker.
type Option func(*Broker)

// WithBatchSize sets the maximum number of messages returned per poll.
func WithBatchSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithSeed makes delivery order deterministic.
func WithSeed(seed int64) Option {
	return func(b *Broker) {
		b.rand = rand.New(rand.NewSource(seed))
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string]*Queue),
		batchSize: DefaultBatchSize,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateQueue creates or returns the named queue.
func (b *Broker) CreateQueue(ctx context.Context, name string) (messaging.Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	q := &Queue{
		name:     name,
		broker:   b,
		inflight: make(map[string]*messaging.Message),
	}
	b.queues[name] = q
	return q, nil
}

// OpenQueue returns an existing queue.
func (b *Broker) OpenQueue(ctx context.Context, name string) (messaging.Queue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, name)
	}
	return q, nil
}

// DeleteQueue removes a queue.
func (b *Broker) DeleteQueue(ctx context.Context, q messaging.Queue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[q.Name()]; !ok {
		return fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, q.Name())
	}
	delete(b.queues, q.Name())
	return nil
}

// Exists reports whether the named queue exists.
func (b *Broker) Exists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Close is a no-op.
func (b *Broker) Close() error {
	return nil
}

// Queue is an in-memory messaging.Queue.
type Queue struct {
	name     string
	broker   *Broker
	pending  []*messaging.Message
	inflight map[string]*messaging.Message
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// URL returns a memory:// identity for the queue.
func (q *Queue) URL() string { return "memory://" + q.name }

// Send appends a body to the queue.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()

	data := make([]byte, len(body))
	copy(data, body)
	q.pending = append(q.pending, &messaging.Message{
		Body:   data,
		SentAt: time.Now(),
	})
	return nil
}

// Receive returns up to the broker batch size of pending messages in random order.
func (q *Queue) Receive(ctx context.Context) ([]*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}

	q.broker.rand.Shuffle(len(q.pending), func(i, j int) {
		q.pending[i], q.pending[j] = q.pending[j], q.pending[i]
	})

	n := min(q.broker.batchSize, len(q.pending))
	batch := q.pending[:n]
	q.pending = q.pending[n:]

	now := time.Now()
	out := make([]*messaging.Message, 0, len(batch))
	for _, m := range batch {
		if m.FirstReceivedAt.IsZero() {
			m.FirstReceivedAt = now
		}
		delivered := *m
		delivered.ReceiptHandle = uuid.NewString()
		q.inflight[delivered.ReceiptHandle] = m
		out = append(out, &delivered)
	}
	return out, nil
}

// Delete acknowledges a received message.
func (q *Queue) Delete(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()

	if _, ok := q.inflight[msg.ReceiptHandle]; !ok {
		return fmt.Errorf("unknown receipt handle %q", msg.ReceiptHandle)
	}
	delete(q.inflight, msg.ReceiptHandle)
	return nil
}

// Redeliver returns every received-but-undeleted message to the queue,
// simulating a visibility timeout expiry.
func (q *Queue) Redeliver() int {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()

	n := len(q.inflight)
	for handle, m := range q.inflight {
		q.pending = append(q.pending, m)
		delete(q.inflight, handle)
	}
	return n
}

// Len returns the number of messages waiting to be received.
func (q *Queue) Len() int {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of received messages not yet deleted.
func (q *Queue) InFlight() int {
	q.broker.mu.Lock()
	defer q.broker.mu.Unlock()
	return len(q.inflight)
}
