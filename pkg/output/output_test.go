package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	oldOut, oldErr, oldNoColor := Stdout, Stderr, color.NoColor
	var out, errOut bytes.Buffer
	Stdout, Stderr = &out, &errOut
	color.NoColor = true
	t.Cleanup(func() {
		Stdout, Stderr, color.NoColor = oldOut, oldErr, oldNoColor
	})
	return &out, &errOut
}

func TestStatusLines(t *testing.T) {
	tests := []struct {
		name     string
		print    func(string, ...interface{})
		toStderr bool
		want     string
	}{
		{"success", Success, false, "✓ Created 5 items\n"},
		{"error", Error, true, "✗ Created 5 items\n"},
		{"info", Info, false, "Created 5 items\n"},
		{"warn", Warn, false, "⚠ Created 5 items\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errOut := capture(t)
			tt.print("Created %d items", 5)

			if tt.toStderr {
				assert.Equal(t, tt.want, errOut.String())
				assert.Empty(t, out.String())
			} else {
				assert.Equal(t, tt.want, out.String())
				assert.Empty(t, errOut.String())
			}
		})
	}
}

func TestParam(t *testing.T) {
	out, _ := capture(t)
	Param("queue_name", "abbey-stage-edx-1")
	Param("msg_delay", 5)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "queue_name "))
	assert.Equal(t, ParamWidth+1, strings.Index(lines[0], "abbey-stage-edx-1"))
	assert.Equal(t, ParamWidth+1, strings.Index(lines[1], "5"))
}

func TestTable_Render_Empty(t *testing.T) {
	out, _ := capture(t)
	NewTable([]string{"NAME", "STATE"}).Render()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[1], "----")
}

func TestTable_Render_ColumnAlignment(t *testing.T) {
	out, _ := capture(t)
	table := NewTable([]string{"RESOURCE", "ID"})
	table.AddRow([]string{"queue", "abbey-stage-edx-1"})
	table.AddRow([]string{"instance", "i-0abc"})
	table.AddRow([]string{"ignored", "x", "extra cell"})
	table.Render()

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 5)

	idCol := strings.Index(lines[0], "ID")
	assert.Equal(t, idCol, strings.Index(lines[2], "abbey-stage-edx-1"))
	assert.Equal(t, idCol, strings.Index(lines[3], "i-0abc"))
	assert.NotContains(t, out.String(), "extra cell")
}
