package messaging

import (
	"context"
	"errors"
	"testing"
)

// scriptedReceiver returns one batch per Receive call.
type scriptedReceiver struct {
	batches [][]*Message
	calls   int
	err     error
	errAt   int
	partial []*Message
}

func (r *scriptedReceiver) Receive(ctx context.Context) ([]*Message, error) {
	r.calls++
	if r.err != nil && r.calls == r.errAt {
		return r.partial, r.err
	}
	if len(r.batches) == 0 {
		return nil, nil
	}
	b := r.batches[0]
	r.batches = r.batches[1:]
	return b, nil
}

func (r *scriptedReceiver) Delete(ctx context.Context, msg *Message) error {
	return nil
}

func msgs(bodies ...string) []*Message {
	out := make([]*Message, 0, len(bodies))
	for _, b := range bodies {
		out = append(out, &Message{Body: []byte(b)})
	}
	return out
}

func TestReceiveAll_DrainsUntilEmptyPoll(t *testing.T) {
	r := &scriptedReceiver{batches: [][]*Message{
		msgs("a", "b"),
		msgs("c"),
	}}

	got, err := ReceiveAll(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if r.calls != 3 {
		t.Errorf("expected 3 polls (two batches + empty), got %d", r.calls)
	}
}

func TestReceiveAll_EmptyQueue(t *testing.T) {
	r := &scriptedReceiver{}

	got, err := ReceiveAll(context.Background(), r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no messages, got %d", len(got))
	}
	if r.calls != 1 {
		t.Errorf("expected a single poll, got %d", r.calls)
	}
}

func TestReceiveAll_ReturnsPartialOnError(t *testing.T) {
	boom := errors.New("throttled")
	r := &scriptedReceiver{
		batches: [][]*Message{msgs("a"), msgs("b")},
		err:     boom,
		errAt:   2,
	}

	got, err := ReceiveAll(context.Background(), r)
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if len(got) != 1 {
		t.Errorf("expected the first batch to be returned, got %d messages", len(got))
	}
}

func TestReceiveAll_KeepsPartialBatchFromFailingPoll(t *testing.T) {
	boom := errors.New("connection reset")
	r := &scriptedReceiver{
		batches: [][]*Message{msgs("a")},
		err:     boom,
		errAt:   2,
		partial: msgs("b", "c"),
	}

	got, err := ReceiveAll(context.Background(), r)
	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if string(got[2].Body) != "c" {
		t.Errorf("expected partial batch to be appended in order, got %q", got[2].Body)
	}
}

func TestReceiveAll_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &scriptedReceiver{batches: [][]*Message{msgs("a")}}
	_, err := ReceiveAll(ctx, r)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if r.calls != 0 {
		t.Errorf("expected no polls after cancellation, got %d", r.calls)
	}
}

func TestMessage_ZeroValue(t *testing.T) {
	var msg Message

	if msg.Body != nil {
		t.Errorf("expected nil Body, got %v", msg.Body)
	}
	if msg.ReceiptHandle != "" {
		t.Errorf("expected empty ReceiptHandle, got %q", msg.ReceiptHandle)
	}
	if !msg.SentAt.IsZero() || !msg.FirstReceivedAt.IsZero() {
		t.Error("expected zero provider timestamps")
	}
}
