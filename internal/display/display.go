// Package display renders flushed envelopes as the operator's progress feed.
//
// The feed is line oriented but a task and its result share a line:
//
//	12.41 [ i-0abc 10.0.0.4 stage-edx edxapp ] : install packages *OK* (3.20)
package display

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/telhawk-systems/abbey/internal/envelope"
)

// fieldWidth is the key column width of a dumped result.
const fieldWidth = 15

// Renderer writes envelopes to w.
type Renderer struct {
	w       io.Writer
	verbose bool

	label    *color.Color
	ok       *color.Color
	changed  *color.Color
	failure  *color.Color
	complete *color.Color
}

// New creates a renderer. In verbose mode every OK result field is dumped.
func New(w io.Writer, verbose bool) *Renderer {
	return &Renderer{
		w:        w,
		verbose:  verbose,
		label:    color.New(color.FgCyan),
		ok:       color.New(color.FgGreen),
		changed:  color.New(color.FgYellow, color.Bold),
		failure:  color.New(color.FgRed, color.Bold),
		complete: color.New(color.FgGreen, color.Bold),
	}
}

// Render writes one envelope.
func (r *Renderer) Render(env *envelope.Envelope) error {
	var b strings.Builder

	switch p := env.Payload.(type) {
	case envelope.Start:
		r.heading(&b, env, "START "+p.Pattern)
	case envelope.Task:
		r.heading(&b, env, p.Name)
	case envelope.Result:
		if p.Failed {
			b.WriteString(" " + r.failure.Sprint("!!!! FAILURE !!!!"))
			writeFields(&b, p.Fields)
			break
		}
		if p.Changed() {
			b.WriteString(" " + r.changed.Sprint("*OK*"))
		} else {
			b.WriteString(" " + r.ok.Sprint("OK"))
		}
		if env.Delta != nil {
			fmt.Fprintf(&b, " (%.2f)", *env.Delta)
		}
		if r.verbose {
			writeFields(&b, p.Fields)
		}
	case envelope.Stats:
		r.heading(&b, env, r.complete.Sprint("COMPLETE"))
		b.WriteString("\n")
	default:
		return fmt.Errorf("cannot render payload %T", env.Payload)
	}

	_, err := io.WriteString(r.w, b.String())
	return err
}

func (r *Renderer) heading(b *strings.Builder, env *envelope.Envelope, text string) {
	fmt.Fprintf(b, "\n%s %s : %s", r.label.Sprintf("%.2f", env.EmittedAt), env.Prefix, text)
}

// writeFields dumps result fields one per line, sorted by key.
func writeFields(b *strings.Builder, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(b, "\n    %-*s%s", fieldWidth, k, formatValue(fields[k]))
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
