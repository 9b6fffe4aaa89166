package reorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/internal/envelope"
	"github.com/telhawk-systems/abbey/internal/metrics"
)

// Defaults for the consumer loop.
const (
	DefaultWindow       = 5 * time.Second
	DefaultPollInterval = time.Second
)

// maxLoggedBody bounds how much of a malformed body is logged.
const maxLoggedBody = 256

// Renderer presents a flushed envelope to the operator.
type Renderer interface {
	Render(env *envelope.Envelope) error
}

// Stats counts what a consumer run saw.
type Stats struct {
	Received  int
	Discarded int
	Rendered  int
}

// Consumer polls a queue, buffers envelopes and renders them in emission order.
type Consumer struct {
	receiver     messaging.Receiver
	renderer     Renderer
	window       time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error

	buf   Buffer
	stats Stats
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithWindow sets the delay window.
func WithWindow(d time.Duration) Option {
	return func(c *Consumer) {
		if d >= 0 {
			c.window = d
		}
	}
}

// WithPollInterval sets the sleep after an empty poll.
func WithPollInterval(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

// WithClock replaces time.Now and the empty-poll sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Consumer) {
		c.now = now
		c.sleep = sleep
	}
}

// NewConsumer creates a consumer reading from r and rendering to renderer.
func NewConsumer(r messaging.Receiver, renderer Renderer, opts ...Option) *Consumer {
	c := &Consumer{
		receiver:     r,
		renderer:     renderer,
		window:       DefaultWindow,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		now:          time.Now,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Buffered returns the number of envelopes waiting to be flushed.
func (c *Consumer) Buffered() int { return c.buf.Len() }

// Run loops until a STATS envelope has been rendered, ctx is cancelled, or
// the transport or renderer fails.
func (c *Consumer) Run(ctx context.Context) (Stats, error) {
	for {
		done, err := c.Step(ctx)
		if err != nil {
			return c.stats, err
		}
		if done {
			return c.stats, nil
		}
	}
}

// Step runs one loop iteration: poll, flush at most one entry, and sleep if
// the poll was empty. It reports true once the terminal envelope is rendered.
func (c *Consumer) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	msgs, pollErr := messaging.ReceiveAll(ctx, c.receiver)
	for _, msg := range msgs {
		c.accept(ctx, msg)
	}
	if pollErr != nil {
		return false, fmt.Errorf("poll queue: %w", pollErr)
	}

	if now := c.now(); c.buf.Ready(now, c.window) {
		entry, _ := c.buf.PopEarliest()
		metrics.BufferDepth.Set(float64(c.buf.Len()))
		if err := c.renderer.Render(entry.Envelope); err != nil {
			return false, fmt.Errorf("render %s: %w", entry.Envelope.Kind(), err)
		}
		c.stats.Rendered++
		metrics.EventsRendered.WithLabelValues(string(entry.Envelope.Kind())).Inc()
		metrics.FlushLag.Observe(now.Sub(entry.ReceivedAt).Seconds())

		if entry.Envelope.IsTerminal() {
			return true, nil
		}
	}

	if len(msgs) == 0 {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// accept decodes and buffers one message, then deletes it from the queue.
func (c *Consumer) accept(ctx context.Context, msg *messaging.Message) {
	c.stats.Received++
	metrics.MessagesReceived.Inc()

	env, err := envelope.Decode(msg.Body)
	if err != nil {
		c.stats.Discarded++
		metrics.MessagesDiscarded.Inc()
		c.logger.WarnContext(ctx, "discarding malformed message",
			slog.String("body", truncate(msg.Body)),
			logging.Error(err))
	} else {
		c.buf.Add(Entry{
			Envelope:        env,
			ReceivedAt:      c.now(),
			SentAt:          msg.SentAt,
			FirstReceivedAt: msg.FirstReceivedAt,
		})
		metrics.BufferDepth.Set(float64(c.buf.Len()))
	}

	if err := c.receiver.Delete(ctx, msg); err != nil {
		// The message may be delivered again; duplicates are rendered as-is.
		c.logger.WarnContext(ctx, "failed to delete message", logging.Error(err))
	}
}

func truncate(body []byte) string {
	if len(body) <= maxLoggedBody {
		return string(body)
	}
	return string(body[:maxLoggedBody]) + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
