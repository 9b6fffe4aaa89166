// Package redis provides a Redis-list implementation of the messaging interfaces.
//
// A queue is a pending list plus an in-flight list. Receive moves records
// from pending to in-flight with LMOVE; Delete removes them from in-flight.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/telhawk-systems/abbey/common/messaging"
)

const (
	keyPrefix   = "abbey:queue:"
	registryKey = "abbey:queues"
	maxBatch    = 10
)

// record is the stored form of one message.
type record struct {
	ID     string `json:"id"`
	SentAt int64  `json:"sent_at"` // Unix milliseconds
	Body   []byte `json:"body"`
}

// Broker implements messaging.Broker on a Redis server.
type Broker struct {
	redis *redis.Client
}

// NewBroker connects using a redis:// URL.
func NewBroker(ctx context.Context, url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewBrokerWithClient(client), nil
}

// NewBrokerWithClient wraps an existing client.
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{redis: client}
}

// CreateQueue registers the queue name.
func (b *Broker) CreateQueue(ctx context.Context, name string) (messaging.Queue, error) {
	if err := b.redis.SAdd(ctx, registryKey, name).Err(); err != nil {
		return nil, fmt.Errorf("create queue %s: %w", name, err)
	}
	return b.queue(name), nil
}

// OpenQueue returns a registered queue.
func (b *Broker) OpenQueue(ctx context.Context, name string) (messaging.Queue, error) {
	ok, err := b.redis.SIsMember(ctx, registryKey, name).Result()
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, name)
	}
	return b.queue(name), nil
}

// DeleteQueue unregisters the queue and drops both of its lists.
func (b *Broker) DeleteQueue(ctx context.Context, q messaging.Queue) error {
	removed, err := b.redis.SRem(ctx, registryKey, q.Name()).Result()
	if err != nil {
		return fmt.Errorf("delete queue %s: %w", q.Name(), err)
	}
	if err := b.redis.Del(ctx, pendingKey(q.Name()), inflightKey(q.Name())).Err(); err != nil {
		return fmt.Errorf("delete queue %s: %w", q.Name(), err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", messaging.ErrQueueNotFound, q.Name())
	}
	return nil
}

// Close closes the client.
func (b *Broker) Close() error {
	return b.redis.Close()
}

func (b *Broker) queue(name string) *Queue {
	return &Queue{redis: b.redis, name: name}
}

func pendingKey(name string) string  { return keyPrefix + name }
func inflightKey(name string) string { return keyPrefix + name + ":inflight" }

// Queue implements messaging.Queue over two Redis lists.
type Queue struct {
	redis *redis.Client
	name  string
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// URL returns the pending list key.
func (q *Queue) URL() string { return pendingKey(q.name) }

// Send appends a record to the pending list.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	data, err := json.Marshal(record{
		ID:     uuid.NewString(),
		SentAt: time.Now().UnixMilli(),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := q.redis.RPush(ctx, pendingKey(q.name), data).Err(); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Receive moves up to ten records into the in-flight list.
func (q *Queue) Receive(ctx context.Context) ([]*messaging.Message, error) {
	var out []*messaging.Message
	now := time.Now()
	for len(out) < maxBatch {
		raw, err := q.redis.LMove(ctx, pendingKey(q.name), inflightKey(q.name), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("receive message: %w", err)
		}

		msg := &messaging.Message{
			ReceiptHandle:   raw,
			FirstReceivedAt: now,
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Foreign payload pushed straight onto the list; hand it over as-is.
			msg.Body = []byte(raw)
		} else {
			msg.Body = rec.Body
			msg.SentAt = time.UnixMilli(rec.SentAt)
			msg.Metadata = map[string]string{"id": rec.ID}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Delete removes a received record from the in-flight list.
func (q *Queue) Delete(ctx context.Context, msg *messaging.Message) error {
	n, err := q.redis.LRem(ctx, inflightKey(q.name), 1, msg.ReceiptHandle).Result()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("unknown receipt handle")
	}
	return nil
}
