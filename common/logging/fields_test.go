package logging

import (
	"errors"
	"log/slog"
	"testing"
)

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name    string
		attr    slog.Attr
		wantKey string
		wantVal string
	}{
		{"queue", Queue("abbey-q"), FieldQueue, "abbey-q"},
		{"instance", Instance("i-123"), FieldInstance, "i-123"},
		{"kind", Kind("TASK"), FieldKind, "TASK"},
		{"state", State("MONITORING"), FieldState, "MONITORING"},
		{"duration", Duration(150), FieldDuration, "150"},
		{"error", Error(errors.New("bad thing")), FieldError, "bad thing"},
		{"nil error", Error(nil), FieldError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.wantKey {
				t.Errorf("expected key %q, got %q", tt.wantKey, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.wantVal {
				t.Errorf("expected value %q, got %q", tt.wantVal, tt.attr.Value.String())
			}
		})
	}
}
