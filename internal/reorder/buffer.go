// Package reorder buffers envelopes received out of order and releases them
// in emission order once the queue has been quiet for the delay window.
package reorder

import (
	"time"

	"github.com/telhawk-systems/abbey/internal/envelope"
)

// Entry is one buffered envelope with its receipt times.
type Entry struct {
	Envelope *envelope.Envelope

	// ReceivedAt is the consumer's local wall clock at receipt. The flush
	// decision uses this time only.
	ReceivedAt time.Time

	// Provider timestamps, kept for diagnostics.
	SentAt          time.Time
	FirstReceivedAt time.Time
}

// Buffer holds entries until they are flushed. It is not safe for concurrent use.
type Buffer struct {
	entries          []Entry
	oldestReceivedAt time.Time
}

// Add appends an entry.
func (b *Buffer) Add(e Entry) {
	b.entries = append(b.entries, e)
	if b.oldestReceivedAt.IsZero() || e.ReceivedAt.Before(b.oldestReceivedAt) {
		b.oldestReceivedAt = e.ReceivedAt
	}
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int { return len(b.entries) }

// OldestReceivedAt returns the earliest receipt time among buffered entries,
// or the zero time when the buffer is empty.
func (b *Buffer) OldestReceivedAt() time.Time { return b.oldestReceivedAt }

// NewestReceivedAt returns the latest receipt time among buffered entries.
func (b *Buffer) NewestReceivedAt() time.Time {
	var newest time.Time
	for _, e := range b.entries {
		if e.ReceivedAt.After(newest) {
			newest = e.ReceivedAt
		}
	}
	return newest
}

// Ready reports whether the buffer is non-empty and nothing has arrived for
// longer than window.
func (b *Buffer) Ready(now time.Time, window time.Duration) bool {
	if len(b.entries) == 0 {
		return false
	}
	return now.Sub(b.NewestReceivedAt()) > window
}

// PopEarliest removes and returns the entry with the smallest EmittedAt.
// Ties resolve to the entry added first.
func (b *Buffer) PopEarliest() (Entry, bool) {
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	idx := 0
	for i := 1; i < len(b.entries); i++ {
		if b.entries[i].Envelope.EmittedAt < b.entries[idx].Envelope.EmittedAt {
			idx = i
		}
	}
	e := b.entries[idx]
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.oldestReceivedAt = time.Time{}
	for _, rest := range b.entries {
		if b.oldestReceivedAt.IsZero() || rest.ReceivedAt.Before(b.oldestReceivedAt) {
			b.oldestReceivedAt = rest.ReceivedAt
		}
	}
	return e, true
}
