package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/abbey/internal/envelope"
	"github.com/telhawk-systems/abbey/internal/metrics"
)

type recordingSender struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (s *recordingSender) Send(ctx context.Context, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.bodies = append(s.bodies, body)
	return nil
}

func (s *recordingSender) envelopes(t *testing.T) []*envelope.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*envelope.Envelope, 0, len(s.bodies))
	for _, b := range s.bodies {
		env, err := envelope.Decode(b)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// fakeClock returns base+offset, where offset is advanced by the test.
type fakeClock struct {
	base   time.Time
	offset time.Duration
}

func (c *fakeClock) now() time.Time { return c.base.Add(c.offset) }

func (c *fakeClock) at(seconds float64) {
	c.offset = time.Duration(seconds * float64(time.Second))
}

func newTestProducer(sender *recordingSender) (*Producer, *fakeClock) {
	clock := &fakeClock{base: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(sender, "[ i-0abc 10.0.0.4 stage-edx edxapp ]", WithClock(clock.now))
	return p, clock
}

func TestProducer_DeltaSinceLastTask(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	p, clock := newTestProducer(sender)

	clock.at(10)
	p.TaskStart(ctx, "install packages")
	clock.at(12)
	p.RunnerOK(ctx, map[string]any{"changed": true})

	got := sender.envelopes(t)
	require.Len(t, got, 2)

	assert.Equal(t, envelope.KindTask, got[0].Kind())
	assert.Equal(t, 10.0, got[0].EmittedAt)
	assert.Nil(t, got[0].Delta)

	assert.Equal(t, envelope.KindOK, got[1].Kind())
	assert.Equal(t, 12.0, got[1].EmittedAt)
	require.NotNil(t, got[1].Delta)
	assert.InDelta(t, 2.0, *got[1].Delta, 1e-9)
	assert.Equal(t, "[ i-0abc 10.0.0.4 stage-edx edxapp ]", got[1].Prefix)
}

func TestProducer_ResultBeforeAnyTaskHasNoDelta(t *testing.T) {
	sender := &recordingSender{}
	p, clock := newTestProducer(sender)

	clock.at(3)
	p.RunnerFailed(context.Background(), map[string]any{"msg": "boom"}, false)

	got := sender.envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, envelope.KindFailure, got[0].Kind())
	assert.Nil(t, got[0].Delta)
}

func TestProducer_EmittedAtNonDecreasing(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	p, clock := newTestProducer(sender)

	clock.at(0)
	p.PlayStart(ctx, "all")
	for i := 1; i <= 5; i++ {
		clock.at(float64(i))
		p.TaskStart(ctx, "step")
		clock.at(float64(i) + 0.5)
		p.RunnerOK(ctx, map[string]any{"changed": false})
	}

	got := sender.envelopes(t)
	require.Len(t, got, 11)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].EmittedAt, got[i-1].EmittedAt)
	}
}

func TestProducer_SuppressesInspectionStep(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	p, _ := newTestProducer(sender)

	before := testutil.ToFloat64(metrics.EventsSuppressed.WithLabelValues("inspection"))

	p.TaskStart(ctx, "Gathering Facts")
	p.RunnerOK(ctx, map[string]any{
		"invocation": map[string]any{"module_name": "setup", "module_args": ""},
		"changed":    false,
	})
	p.RunnerOK(ctx, map[string]any{
		"invocation": map[string]any{"module_name": "apt"},
		"changed":    true,
	})

	got := sender.envelopes(t)
	require.Len(t, got, 2)
	assert.Equal(t, envelope.KindTask, got[0].Kind())
	assert.Equal(t, envelope.KindOK, got[1].Kind())
	assert.True(t, got[1].Payload.(envelope.Result).Changed())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsSuppressed.WithLabelValues("inspection")))
}

func TestProducer_IgnoredFailureNotSent(t *testing.T) {
	sender := &recordingSender{}
	p, _ := newTestProducer(sender)

	p.RunnerFailed(context.Background(), map[string]any{"rc": 1}, true)
	assert.Empty(t, sender.envelopes(t))
}

func TestProducer_StatsCarriesElapsed(t *testing.T) {
	sender := &recordingSender{}
	p, clock := newTestProducer(sender)

	clock.at(42.5)
	p.Stats(context.Background(), envelope.Stats{OK: 3, Changed: 1, Processed: 1})

	got := sender.envelopes(t)
	require.Len(t, got, 1)
	require.True(t, got[0].IsTerminal())

	stats := got[0].Payload.(envelope.Stats)
	assert.Equal(t, 42.5, stats.Elapsed)
	assert.Equal(t, 3, stats.OK)
	assert.Equal(t, 1, stats.Changed)
}

func TestProducer_SendErrorSwallowed(t *testing.T) {
	sender := &recordingSender{err: errors.New("throttled")}
	p, _ := newTestProducer(sender)

	before := testutil.ToFloat64(metrics.EmitFailures.WithLabelValues("TASK"))
	assert.NotPanics(t, func() {
		p.TaskStart(context.Background(), "x")
	})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EmitFailures.WithLabelValues("TASK")))
}

type blockingSender struct{}

func (blockingSender) Send(ctx context.Context, body []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProducer_SendTimeoutBoundsBlockingTransport(t *testing.T) {
	p := New(blockingSender{}, "", WithSendTimeout(20*time.Millisecond))

	start := time.Now()
	p.TaskStart(context.Background(), "x")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProducer_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	p := Disabled()
	assert.False(t, p.Enabled())

	assert.NotPanics(t, func() {
		p.PlayStart(ctx, "all")
		p.TaskStart(ctx, "x")
		p.RunnerOK(ctx, map[string]any{})
		p.RunnerFailed(ctx, map[string]any{}, false)
		p.Stats(ctx, envelope.Stats{})
		p.Emit(ctx, envelope.Task{Name: "y"})
	})

	var nilProducer *Producer
	assert.False(t, nilProducer.Enabled())
}

func TestProducer_WireShape(t *testing.T) {
	sender := &recordingSender{}
	p, clock := newTestProducer(sender)

	clock.at(1)
	p.TaskStart(context.Background(), "configure")

	require.Len(t, sender.bodies, 1)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(sender.bodies[0], &raw))
	assert.Equal(t, "configure", raw["TASK"])
	assert.Equal(t, 1.0, raw["TS"])
	assert.Contains(t, raw, "PREFIX")
	assert.NotContains(t, raw, "delta")
}
