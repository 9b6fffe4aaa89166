package reorder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/common/messaging/memory"
	"github.com/telhawk-systems/abbey/internal/envelope"
)

// fakeClock only advances when the consumer sleeps or a test moves it.
type fakeClock struct {
	t      time.Time
	sleeps int
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps++
	c.t = c.t.Add(d)
	return nil
}

type collectingRenderer struct {
	rendered []*envelope.Envelope
	err      error
}

func (r *collectingRenderer) Render(env *envelope.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.rendered = append(r.rendered, env)
	return nil
}

func (r *collectingRenderer) emittedAt() []float64 {
	out := make([]float64, len(r.rendered))
	for i, e := range r.rendered {
		out[i] = e.EmittedAt
	}
	return out
}

// scriptedQueue hands out one batch per polling pass, then ends the pass
// with an empty poll.
type scriptedQueue struct {
	passes  [][][]byte
	next    int
	inPass  bool
	deleted int
	err     error
}

func (q *scriptedQueue) Receive(ctx context.Context) ([]*messaging.Message, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.inPass || q.next >= len(q.passes) {
		q.inPass = false
		return nil, nil
	}
	batch := q.passes[q.next]
	q.next++
	q.inPass = true

	msgs := make([]*messaging.Message, len(batch))
	for i, body := range batch {
		msgs[i] = &messaging.Message{Body: body, ReceiptHandle: "rh"}
	}
	return msgs, nil
}

func (q *scriptedQueue) Delete(ctx context.Context, msg *messaging.Message) error {
	q.deleted++
	return nil
}

// runEnvelopes builds a run of n task/result pairs followed by STATS, with
// strictly increasing emission times.
func runEnvelopes(t testing.TB, faker *gofakeit.Faker, n int) [][]byte {
	t.Helper()
	var bodies [][]byte
	ts := 0.0
	add := func(p envelope.Payload, delta *float64) {
		ts += 0.1 + faker.Float64Range(0, 3)
		body, err := envelope.Encode(&envelope.Envelope{Payload: p, EmittedAt: ts, Prefix: "[ test ]", Delta: delta})
		require.NoError(t, err)
		bodies = append(bodies, body)
	}

	add(envelope.Start{Pattern: "all"}, nil)
	for i := 0; i < n; i++ {
		add(envelope.Task{Name: faker.HackerPhrase()}, nil)
		d := faker.Float64Range(0, 2)
		add(envelope.Result{Failed: faker.Bool(), Fields: map[string]any{"changed": faker.Bool(), "msg": faker.Word()}}, &d)
	}
	add(envelope.Stats{OK: n, Processed: 1}, nil)
	return bodies
}

func newTestConsumer(r messaging.Receiver, renderer Renderer, clock *fakeClock, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	}
	return NewConsumer(r, renderer,
		WithWindow(5*time.Second),
		WithPollInterval(time.Second),
		WithClock(clock.now, clock.sleep),
		WithLogger(logger))
}

func TestConsumer_RendersInEmissionOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("any arrival interleaving renders sorted by emission time", prop.ForAll(
		func(n int, seed int64) bool {
			faker := gofakeit.New(seed)
			bodies := runEnvelopes(t, faker, n)

			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(bodies), func(i, j int) { bodies[i], bodies[j] = bodies[j], bodies[i] })

			// Partition the shuffled run into non-empty polling passes.
			var passes [][][]byte
			for rest := bodies; len(rest) > 0; {
				k := 1 + rng.Intn(len(rest))
				passes = append(passes, rest[:k])
				rest = rest[k:]
			}

			renderer := &collectingRenderer{}
			c := newTestConsumer(&scriptedQueue{passes: passes}, renderer, newFakeClock(), nil)
			stats, err := c.Run(context.Background())
			if err != nil {
				return false
			}

			got := renderer.emittedAt()
			return len(got) == len(bodies) &&
				stats.Rendered == len(bodies) &&
				sort.Float64sAreSorted(got) &&
				renderer.rendered[len(got)-1].IsTerminal()
		},
		gen.IntRange(0, 30),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestConsumer_OrdersAcrossShuffledMemoryQueue(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker(memory.WithSeed(7), memory.WithBatchSize(3))
	q, err := broker.CreateQueue(ctx, "abbey-test")
	require.NoError(t, err)

	bodies := runEnvelopes(t, gofakeit.New(7), 10)
	for _, b := range bodies {
		require.NoError(t, q.Send(ctx, b))
	}

	renderer := &collectingRenderer{}
	stats, err := newTestConsumer(q, renderer, newFakeClock(), nil).Run(ctx)
	require.NoError(t, err)

	assert.Len(t, renderer.rendered, len(bodies))
	assert.True(t, sort.Float64sAreSorted(renderer.emittedAt()))
	assert.Equal(t, len(bodies), stats.Received)
	assert.Zero(t, q.(*memory.Queue).InFlight(), "every message is deleted after buffering")
}

func TestConsumer_TerminatesAfterStats(t *testing.T) {
	bodies := runEnvelopes(t, gofakeit.New(1), 2)
	clock := newFakeClock()
	renderer := &collectingRenderer{}

	c := newTestConsumer(&scriptedQueue{passes: [][][]byte{bodies}}, renderer, clock, nil)
	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, renderer.rendered)
	assert.True(t, renderer.rendered[len(renderer.rendered)-1].IsTerminal())
	assert.Equal(t, len(bodies), stats.Rendered)
	assert.Zero(t, c.Buffered())
}

func TestConsumer_StragglerAfterQuietPeriodStillSortedAmongRemaining(t *testing.T) {
	faker := gofakeit.New(3)
	bodies := runEnvelopes(t, faker, 3) // START, 3x(TASK, result), STATS

	// First pass delivers everything but the first TASK/result pair.
	q := &scriptedQueue{passes: [][][]byte{append([][]byte{bodies[0]}, bodies[3:]...)}}
	clock := newFakeClock()
	renderer := &collectingRenderer{}
	c := newTestConsumer(q, renderer, clock, nil)

	ctx := context.Background()
	// Run until the window opens and the first entry is flushed.
	for len(renderer.rendered) == 0 {
		_, err := c.Step(ctx)
		require.NoError(t, err)
	}
	// The missing pair arrives late.
	q.passes = append(q.passes, bodies[1:3])

	_, err := c.Run(ctx)
	require.NoError(t, err)

	got := renderer.emittedAt()
	require.Len(t, got, len(bodies))
	assert.Equal(t, envelope.KindStart, renderer.rendered[0].Kind())
	assert.True(t, sort.Float64sAreSorted(got[1:]), "entries after the flush horizon stay ordered")
}

func TestConsumer_MalformedTolerance(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker(memory.WithSeed(11))
	q, err := broker.CreateQueue(ctx, "abbey-test")
	require.NoError(t, err)

	bodies := runEnvelopes(t, gofakeit.New(11), 4)
	for _, b := range bodies {
		require.NoError(t, q.Send(ctx, b))
	}
	require.NoError(t, q.Send(ctx, []byte("this is not json")))

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	renderer := &collectingRenderer{}

	stats, err := newTestConsumer(q, renderer, newFakeClock(), logger).Run(ctx)
	require.NoError(t, err)

	assert.Len(t, renderer.rendered, len(bodies))
	assert.True(t, sort.Float64sAreSorted(renderer.emittedAt()))
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, 1, strings.Count(logs.String(), "discarding malformed message"))
	assert.Contains(t, logs.String(), "this is not json")
	assert.Zero(t, q.(*memory.Queue).InFlight(), "malformed message is deleted too")
}

func TestConsumer_SinglePopPerIteration(t *testing.T) {
	bodies := runEnvelopes(t, gofakeit.New(5), 1) // START, TASK, result, STATS
	clock := newFakeClock()
	renderer := &collectingRenderer{}
	c := newTestConsumer(&scriptedQueue{passes: [][][]byte{bodies}}, renderer, clock, nil)
	ctx := context.Background()

	_, err := c.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Buffered())

	// Open the window for all entries at once.
	clock.t = clock.t.Add(time.Minute)

	done, err := c.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, renderer.rendered, 1)
	assert.Equal(t, 3, c.Buffered())
}

func TestConsumer_HoldsUntilWindowElapses(t *testing.T) {
	bodies := runEnvelopes(t, gofakeit.New(9), 1)
	clock := newFakeClock()
	renderer := &collectingRenderer{}
	c := newTestConsumer(&scriptedQueue{passes: [][][]byte{bodies}}, renderer, clock, nil)
	ctx := context.Background()

	// One receiving pass plus six empty polls; the last of them sees exactly
	// the window elapsed, which is not enough.
	for i := 0; i < 7; i++ {
		_, err := c.Step(ctx)
		require.NoError(t, err)
	}
	assert.Empty(t, renderer.rendered)
	assert.Equal(t, 6, clock.sleeps)

	_, err := c.Step(ctx)
	require.NoError(t, err)
	assert.Len(t, renderer.rendered, 1)
}

func TestConsumer_CancelledDuringRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := newFakeClock()
	c := newTestConsumer(&scriptedQueue{}, &collectingRenderer{}, clock, nil)

	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return clock.sleep(ctx, d)
	}

	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsumer_PollError(t *testing.T) {
	c := newTestConsumer(&scriptedQueue{err: errors.New("access denied")}, &collectingRenderer{}, newFakeClock(), nil)
	_, err := c.Run(context.Background())
	assert.ErrorContains(t, err, "poll queue: access denied")
}

// failingPollQueue returns its batch together with an error on the first poll.
type failingPollQueue struct {
	batch   [][]byte
	deleted int
}

func (q *failingPollQueue) Receive(ctx context.Context) ([]*messaging.Message, error) {
	msgs := make([]*messaging.Message, len(q.batch))
	for i, body := range q.batch {
		msgs[i] = &messaging.Message{Body: body, ReceiptHandle: "rh"}
	}
	q.batch = nil
	return msgs, errors.New("connection reset")
}

func (q *failingPollQueue) Delete(ctx context.Context, msg *messaging.Message) error {
	q.deleted++
	return nil
}

func TestConsumer_PollErrorKeepsPartialBatch(t *testing.T) {
	bodies := runEnvelopes(t, gofakeit.New(4), 1)
	q := &failingPollQueue{batch: bodies}
	c := newTestConsumer(q, &collectingRenderer{}, newFakeClock(), nil)

	_, err := c.Step(context.Background())
	assert.ErrorContains(t, err, "poll queue: connection reset")
	assert.Equal(t, len(bodies), c.Buffered())
	assert.Equal(t, len(bodies), q.deleted)
}

func TestConsumer_RenderError(t *testing.T) {
	bodies := runEnvelopes(t, gofakeit.New(2), 0)
	renderer := &collectingRenderer{err: errors.New("stdout closed")}
	c := newTestConsumer(&scriptedQueue{passes: [][][]byte{bodies}}, renderer, newFakeClock(), nil)

	_, err := c.Run(context.Background())
	assert.ErrorContains(t, err, "stdout closed")
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
