// Package producer turns task-runner lifecycle callbacks into timestamped
// envelopes and pushes them onto the run's queue.
//
// Delivery is fire-and-forget. A failed send is logged and counted, never
// surfaced to the task runner.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/internal/envelope"
	"github.com/telhawk-systems/abbey/internal/metrics"
)

// InspectionModule is the environment-inspection step whose OK results are never sent.
const InspectionModule = "setup"

// Producer emits envelopes for one run. The zero value is not usable; build
// one with New or Disabled.
type Producer struct {
	sender      messaging.Sender
	prefix      string
	sendTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	start    time.Time
	lastSeen map[envelope.Kind]time.Time
}

// Option configures a Producer.
type Option func(*Producer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Producer) { p.now = now }
}

// WithLogger sets the logger used for dropped sends.
func WithLogger(l *slog.Logger) Option {
	return func(p *Producer) { p.logger = l }
}

// WithSendTimeout bounds each send.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Producer) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// New returns an enabled producer that sends through sender. The producer
// clock starts now.
func New(sender messaging.Sender, prefix string, opts ...Option) *Producer {
	p := &Producer{
		sender:      sender,
		prefix:      prefix,
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		lastSeen:    make(map[envelope.Kind]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.start = p.now()
	return p
}

// Disabled returns a producer on which every call is a no-op.
func Disabled() *Producer {
	return &Producer{}
}

// Enabled reports whether the producer sends anything.
func (p *Producer) Enabled() bool {
	return p != nil && p.sender != nil
}

// PlayStart emits START with the host pattern.
func (p *Producer) PlayStart(ctx context.Context, pattern string) {
	p.Emit(ctx, envelope.Start{Pattern: pattern})
}

// TaskStart emits TASK with the task name.
func (p *Producer) TaskStart(ctx context.Context, name string) {
	p.Emit(ctx, envelope.Task{Name: name})
}

// RunnerOK emits OK unless the result comes from the inspection step.
func (p *Producer) RunnerOK(ctx context.Context, result map[string]any) {
	if !p.Enabled() {
		return
	}
	if moduleName(result) == InspectionModule {
		metrics.EventsSuppressed.WithLabelValues("inspection").Inc()
		return
	}
	p.Emit(ctx, envelope.Result{Fields: result})
}

// RunnerFailed emits FAILURE unless the task ignores errors.
func (p *Producer) RunnerFailed(ctx context.Context, result map[string]any, ignoreErrors bool) {
	if !p.Enabled() {
		return
	}
	if ignoreErrors {
		metrics.EventsSuppressed.WithLabelValues("ignore_errors").Inc()
		return
	}
	p.Emit(ctx, envelope.Result{Failed: true, Fields: result})
}

// Stats emits the terminal STATS envelope, stamping the total elapsed time.
func (p *Producer) Stats(ctx context.Context, counters envelope.Stats) {
	if !p.Enabled() {
		return
	}
	counters.Elapsed = p.now().Sub(p.start).Seconds()
	p.Emit(ctx, counters)
}

// Emit builds an envelope for payload and sends it. Send failures are swallowed.
func (p *Producer) Emit(ctx context.Context, payload envelope.Payload) {
	if !p.Enabled() {
		return
	}
	if err := p.emit(ctx, payload); err != nil {
		metrics.EmitFailures.WithLabelValues(string(payload.Kind())).Inc()
		p.logger.DebugContext(ctx, "dropped event",
			logging.Kind(string(payload.Kind())),
			logging.Error(err))
	}
}

func (p *Producer) emit(ctx context.Context, payload envelope.Payload) error {
	env := p.stamp(payload)

	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	if err := p.sender.Send(sendCtx, body); err != nil {
		return err
	}

	metrics.EventsEmitted.WithLabelValues(string(env.Kind())).Inc()
	return nil
}

// stamp records the emission time for the payload's kind and builds the envelope.
func (p *Producer) stamp(payload envelope.Payload) *envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	kind := payload.Kind()
	p.lastSeen[kind] = now

	env := &envelope.Envelope{
		Payload:   payload,
		EmittedAt: now.Sub(p.start).Seconds(),
		Prefix:    p.prefix,
	}
	if kind == envelope.KindOK || kind == envelope.KindFailure {
		if task, ok := p.lastSeen[envelope.KindTask]; ok {
			delta := now.Sub(task).Seconds()
			env.Delta = &delta
		}
	}
	return env
}

// moduleName digs invocation.module_name out of a task result.
func moduleName(result map[string]any) string {
	inv, ok := result["invocation"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := inv["module_name"].(string)
	return name
}
