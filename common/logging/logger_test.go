package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		level    slog.Level
		format   string
		wantJSON bool
	}{
		{name: "json format with info level", level: slog.LevelInfo, format: "json", wantJSON: true},
		{name: "text format with debug level", level: slog.LevelDebug, format: "text"},
		{name: "default format is text", level: slog.LevelError, format: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(tt.level, tt.format, &buf)
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}

			logger.Error("boom")
			isJSON := json.Valid(bytes.TrimSpace(buf.Bytes()))
			if isJSON != tt.wantJSON {
				t.Errorf("json output = %v, want %v: %s", isJSON, tt.wantJSON, buf.String())
			}
		})
	}
}

func TestNew_NilWriter(t *testing.T) {
	if New(slog.LevelInfo, "text", nil) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic.
	Discard().Error("dropped", "key", "value")
}

func TestRunIDContext(t *testing.T) {
	ctx := ContextWithRunID(context.Background(), "run-42")
	if got := RunIDFromContext(ctx); got != "run-42" {
		t.Errorf("RunIDFromContext = %q, want run-42", got)
	}
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty run ID, got %q", got)
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelInfo, "json", &buf)

	tests := []struct {
		name      string
		ctx       context.Context
		wantRunID bool
	}{
		{name: "context with run ID", ctx: ContextWithRunID(context.Background(), "test-run-123"), wantRunID: true},
		{name: "context without run ID", ctx: context.Background()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			logger.WithContext(tt.ctx).Info("test message")

			has := strings.Contains(buf.String(), `"run_id":"test-run-123"`)
			if has != tt.wantRunID {
				t.Errorf("run_id present = %v, want %v: %s", has, tt.wantRunID, buf.String())
			}
		})
	}
}

func TestLevelContextMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelDebug, "json", &buf)
	ctx := ContextWithRunID(context.Background(), "lvl-run")

	tests := []struct {
		name  string
		log   func(context.Context, string, ...any)
		level string
	}{
		{name: "debug", log: logger.DebugContext, level: "DEBUG"},
		{name: "info", log: logger.InfoContext, level: "INFO"},
		{name: "warn", log: logger.WarnContext, level: "WARN"},
		{name: "error", log: logger.ErrorContext, level: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log(ctx, "message for "+tt.name, "key", "value")

			output := buf.String()
			if !strings.Contains(output, "message for "+tt.name) {
				t.Errorf("expected message in output, got: %s", output)
			}
			if !strings.Contains(output, tt.level) {
				t.Errorf("expected %s level in output, got: %s", tt.level, output)
			}
			if !strings.Contains(output, "lvl-run") {
				t.Errorf("expected run ID in output, got: %s", output)
			}
		})
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelInfo, "json", &buf)

	enriched := logger.With(Queue("abbey-stage-edx-1"), Instance("i-0abc"))
	enriched.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "abbey-stage-edx-1") {
		t.Errorf("expected queue field in output, got: %s", output)
	}
	if !strings.Contains(output, "i-0abc") {
		t.Errorf("expected instance field in output, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSetDefault(t *testing.T) {
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	logger := New(slog.LevelInfo, "json", &bytes.Buffer{})
	SetDefault(logger)

	if slog.Default() != logger.Logger {
		t.Error("SetDefault did not update slog.Default()")
	}
}
