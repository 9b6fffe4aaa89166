// Package envelope defines the progress message exchanged between the remote
// event producer and the reordering display consumer.
//
// On the wire an envelope is a flat JSON object keyed by its kind:
//
//	{"TASK": "install packages", "TS": 12.5, "PREFIX": "[ i-0abc 10.0.0.4 stage-edx edxapp ]"}
//	{"OK": {"changed": true, ...}, "TS": 14.0, "PREFIX": "...", "delta": 1.5}
//
// Exactly one kind key is present per envelope.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies which payload an envelope carries.
type Kind string

const (
	KindStart   Kind = "START"
	KindTask    Kind = "TASK"
	KindOK      Kind = "OK"
	KindFailure Kind = "FAILURE"
	KindStats   Kind = "STATS"
)

// Kinds lists every kind in wire order.
var Kinds = []Kind{KindStart, KindTask, KindOK, KindFailure, KindStats}

const (
	fieldEmittedAt = "TS"
	fieldPrefix    = "PREFIX"
	fieldDelta     = "delta"
)

// ErrMalformed is returned when a body cannot be decoded into an envelope.
var ErrMalformed = errors.New("malformed envelope")

// Payload is the kind-specific body of an envelope.
type Payload interface {
	Kind() Kind
}

// Start is emitted when a play (host pattern) begins.
type Start struct {
	Pattern string
}

// Kind implements Payload.
func (Start) Kind() Kind { return KindStart }

// Task is emitted when a task begins.
type Task struct {
	Name string
}

// Kind implements Payload.
func (Task) Kind() Kind { return KindTask }

// Result is the outcome of one unit of work. Failed selects between the OK
// and FAILURE kinds; Fields holds the free-form result returned by the task runner.
type Result struct {
	Failed bool
	Fields map[string]any
}

// Kind implements Payload.
func (r Result) Kind() Kind {
	if r.Failed {
		return KindFailure
	}
	return KindOK
}

// Changed reports whether the task runner flagged the result as changed.
func (r Result) Changed() bool {
	changed, _ := r.Fields["changed"].(bool)
	return changed
}

// Stats carries the aggregate counters of a finished run. It is always the
// final envelope of a run.
type Stats struct {
	Changed   int     `json:"changed"`
	Failures  int     `json:"failures"`
	OK        int     `json:"ok"`
	Processed int     `json:"processed"`
	Skipped   int     `json:"skipped"`
	Elapsed   float64 `json:"delta"`
}

// Kind implements Payload.
func (Stats) Kind() Kind { return KindStats }

// Envelope is a single timestamped, kind-tagged progress message.
type Envelope struct {
	Payload Payload

	// EmittedAt is seconds since the producer started, on the producer's
	// monotonic clock.
	EmittedAt float64

	// Prefix identifies the run, e.g. "[ i-0abc 10.0.0.4 stage-edx edxapp ]".
	Prefix string

	// Delta is seconds since the most recent TASK. Only set on OK/FAILURE
	// envelopes, and only when a TASK has been emitted.
	Delta *float64
}

// Kind returns the kind of the carried payload.
func (e *Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// IsTerminal reports whether the envelope ends the run.
func (e *Envelope) IsTerminal() bool {
	return e.Kind() == KindStats
}

// MarshalJSON encodes the envelope in its flat wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: no payload", ErrMalformed)
	}

	out := map[string]any{
		fieldEmittedAt: e.EmittedAt,
		fieldPrefix:    e.Prefix,
	}

	switch p := e.Payload.(type) {
	case Start:
		out[string(KindStart)] = p.Pattern
	case Task:
		out[string(KindTask)] = p.Name
	case Result:
		fields := p.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		out[string(p.Kind())] = fields
		if e.Delta != nil {
			out[fieldDelta] = *e.Delta
		}
	case Stats:
		out[string(KindStats)] = p
	default:
		return nil, fmt.Errorf("%w: unknown payload %T", ErrMalformed, e.Payload)
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes the flat wire form. Bodies with zero or several kind
// keys, or with a payload of the wrong shape, fail with ErrMalformed.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		kind Kind
		body json.RawMessage
	)
	for _, k := range Kinds {
		v, ok := raw[string(k)]
		if !ok {
			continue
		}
		if kind != "" {
			return fmt.Errorf("%w: both %s and %s present", ErrMalformed, kind, k)
		}
		kind, body = k, v
	}
	if kind == "" {
		return fmt.Errorf("%w: no kind key", ErrMalformed)
	}

	var decoded Envelope
	if v, ok := raw[fieldEmittedAt]; ok {
		if err := json.Unmarshal(v, &decoded.EmittedAt); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, fieldEmittedAt, err)
		}
	} else {
		return fmt.Errorf("%w: missing %s", ErrMalformed, fieldEmittedAt)
	}
	if v, ok := raw[fieldPrefix]; ok {
		if err := json.Unmarshal(v, &decoded.Prefix); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, fieldPrefix, err)
		}
	}

	switch kind {
	case KindStart:
		var pattern string
		if err := json.Unmarshal(body, &pattern); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, kind, err)
		}
		decoded.Payload = Start{Pattern: pattern}
	case KindTask:
		var name string
		if err := json.Unmarshal(body, &name); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, kind, err)
		}
		decoded.Payload = Task{Name: name}
	case KindOK, KindFailure:
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, kind, err)
		}
		decoded.Payload = Result{Failed: kind == KindFailure, Fields: fields}
		if v, ok := raw[fieldDelta]; ok {
			var delta float64
			if err := json.Unmarshal(v, &delta); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, fieldDelta, err)
			}
			decoded.Delta = &delta
		}
	case KindStats:
		var stats Stats
		if err := json.Unmarshal(body, &stats); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformed, kind, err)
		}
		decoded.Payload = stats
	}

	*e = decoded
	return nil
}

// Decode parses a transport body into an envelope.
func Decode(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode renders an envelope as a transport body.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}
