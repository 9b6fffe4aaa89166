package logging

import "log/slog"

// Common field names for consistent logging across commands.
const (
	FieldRunID    = "run_id"
	FieldQueue    = "queue"
	FieldInstance = "instance_id"
	FieldKind     = "kind"
	FieldState    = "state"
	FieldDuration = "duration_ms"
	FieldError    = "error"
)

// Queue returns a slog attribute for a queue name.
func Queue(name string) slog.Attr {
	return slog.String(FieldQueue, name)
}

// Instance returns a slog attribute for a compute instance ID.
func Instance(id string) slog.Attr {
	return slog.String(FieldInstance, id)
}

// Kind returns a slog attribute for an envelope kind.
func Kind(kind string) slog.Attr {
	return slog.String(FieldKind, kind)
}

// State returns a slog attribute for a lease state.
func State(state string) slog.Attr {
	return slog.String(FieldState, state)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
