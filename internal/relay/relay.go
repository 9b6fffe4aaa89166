// Package relay bridges the automation tool's callback stream to a Producer.
//
// The automation tool writes one JSON object per lifecycle callback to its
// stdout, interleaved with ordinary output. Relay copies every line through
// unchanged and dispatches the callback lines:
//
//	{"event":"play_start","pattern":"all"}
//	{"event":"task_start","name":"install packages"}
//	{"event":"runner_ok","result":{...}}
//	{"event":"runner_failed","result":{...},"ignore_errors":false}
//	{"event":"stats","stats":{"changed":1,"failures":0,"ok":12,"processed":1,"skipped":0}}
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/internal/envelope"
)

// Callback event names.
const (
	EventPlayStart    = "play_start"
	EventTaskStart    = "task_start"
	EventRunnerOK     = "runner_ok"
	EventRunnerFailed = "runner_failed"
	EventStats        = "stats"
)

// maxLine bounds a single callback line; verbose task results can be large.
// Longer lines are still echoed but never dispatched.
const maxLine = 4 << 20

const readBuffer = 64 * 1024

// Emitter is the producer surface the relay drives.
type Emitter interface {
	PlayStart(ctx context.Context, pattern string)
	TaskStart(ctx context.Context, name string)
	RunnerOK(ctx context.Context, result map[string]any)
	RunnerFailed(ctx context.Context, result map[string]any, ignoreErrors bool)
	Stats(ctx context.Context, counters envelope.Stats)
}

// Callback is one decoded callback line.
type Callback struct {
	Event        string          `json:"event"`
	Pattern      string          `json:"pattern,omitempty"`
	Name         string          `json:"name,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	IgnoreErrors bool            `json:"ignore_errors,omitempty"`
	Stats        *envelope.Stats `json:"stats,omitempty"`
}

// Summary counts what a relay run saw.
type Summary struct {
	Lines      int
	Dispatched int
	SawStats   bool
}

// Relay copies in to out line by line, dispatching callbacks to e.
type Relay struct {
	emitter Emitter
	logger  *slog.Logger
}

// New creates a relay.
func New(e Emitter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{emitter: e, logger: logger}
}

// Run reads until EOF or cancellation. It keeps reading after STATS so the
// automation tool's trailing output still reaches out.
//
// Once started, Run drains in to EOF regardless of echo or dispatch failures,
// since the automation tool blocks or dies if its stdout pipe stops being
// read. Only cancellation and a read error on in end it early.
func (r *Relay) Run(ctx context.Context, in io.Reader, out io.Writer) (Summary, error) {
	var (
		sum      Summary
		line     []byte
		oversize bool
	)
	echo := &echoer{w: out, logger: r.logger}
	br := bufio.NewReaderSize(in, readBuffer)

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		chunk, err := br.ReadSlice('\n')
		echo.write(ctx, chunk)
		if !oversize {
			line = append(line, chunk...)
			if len(line) > maxLine {
				oversize = true
				line = line[:0]
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) > 0 || oversize {
				echo.write(ctx, []byte{'\n'})
				r.handle(ctx, &sum, line, oversize)
			}
			return sum, nil
		default:
			return sum, fmt.Errorf("read callbacks: %w", err)
		}

		r.handle(ctx, &sum, line, oversize)
		line, oversize = line[:0], false
	}
}

func (r *Relay) handle(ctx context.Context, sum *Summary, line []byte, oversize bool) {
	sum.Lines++
	if oversize {
		r.logger.WarnContext(ctx, "skipping oversize line", slog.Int("limit", maxLine))
		return
	}

	cb, ok := parse(line)
	if !ok {
		return
	}
	if err := r.dispatch(ctx, cb); err != nil {
		r.logger.DebugContext(ctx, "ignoring callback line", logging.Error(err))
		return
	}
	sum.Dispatched++
	if cb.Event == EventStats {
		sum.SawStats = true
	}
}

// echoer copies lines to w until the first write error, then drops them.
type echoer struct {
	w      io.Writer
	logger *slog.Logger
	failed bool
}

func (e *echoer) write(ctx context.Context, p []byte) {
	if e.failed || len(p) == 0 {
		return
	}
	if _, err := e.w.Write(p); err != nil {
		e.failed = true
		e.logger.WarnContext(ctx, "echo failed, discarding further output", logging.Error(err))
	}
}

func parse(line []byte) (Callback, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Callback{}, false
	}
	var cb Callback
	if err := json.Unmarshal(trimmed, &cb); err != nil || cb.Event == "" {
		return Callback{}, false
	}
	return cb, true
}

func (r *Relay) dispatch(ctx context.Context, cb Callback) error {
	switch cb.Event {
	case EventPlayStart:
		r.emitter.PlayStart(ctx, cb.Pattern)
	case EventTaskStart:
		r.emitter.TaskStart(ctx, cb.Name)
	case EventRunnerOK:
		r.emitter.RunnerOK(ctx, cb.Result)
	case EventRunnerFailed:
		r.emitter.RunnerFailed(ctx, cb.Result, cb.IgnoreErrors)
	case EventStats:
		if cb.Stats == nil {
			return fmt.Errorf("stats callback without counters")
		}
		r.emitter.Stats(ctx, *cb.Stats)
	default:
		return fmt.Errorf("unknown event %q", cb.Event)
	}
	return nil
}
