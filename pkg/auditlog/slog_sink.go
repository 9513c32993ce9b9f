package auditlog

import (
	"context"
	"log/slog"
)

// SlogSink writes audit events to an slog.Logger, the ambient logging
// path an operator sees on the console or in a structured log
// collector, independent of whatever Sink(s) also journal events for
// replay (pkg/journal) or export.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger as a Sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Log implements Sink.
func (s *SlogSink) Log(event Event) {
	level := slog.LevelInfo
	if event.Category == CategoryError || event.Category == CategoryProtocolViolation {
		level = slog.LevelWarn
	}

	attrs := []any{
		slog.String("category", event.Category.String()),
	}
	if event.DeviceID != 0 {
		attrs = append(attrs, slog.Uint64("device_id", event.DeviceID))
	}
	if event.ConnectionHandle != 0 {
		attrs = append(attrs, slog.Uint64("connection_handle", event.ConnectionHandle))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.OldState != "" || event.NewState != "" {
		attrs = append(attrs, slog.String("old_state", event.OldState), slog.String("new_state", event.NewState))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}

	s.logger.Log(context.Background(), level, "gateway audit event", attrs...)
}

var _ Sink = (*SlogSink)(nil)
