package audit

import (
	"context"
	"log/slog"
)

// LogSink mirrors audit events into the structured log. It is
// write-only: operators tail it, the audit endpoint does not read from
// it.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Append(ctx context.Context, e Event) error {
	attrs := []any{
		"request_id", e.RequestID,
		"stage", string(e.Stage),
	}
	if len(e.Data) > 0 {
		attrs = append(attrs, "data", e.Data)
	}
	switch e.Level {
	case LevelError:
		s.logger.ErrorContext(ctx, e.Message, attrs...)
	case LevelWarn:
		s.logger.WarnContext(ctx, e.Message, attrs...)
	default:
		s.logger.InfoContext(ctx, e.Message, attrs...)
	}
	return nil
}
