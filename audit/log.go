package audit

import (
	"context"
	"log/slog"
)

// LogSink writes audit records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. Nil uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// RecordSuccess logs s at Info.
func (l *LogSink) RecordSuccess(ctx context.Context, s Success) error {
	l.logger.InfoContext(ctx, "Audit record created",
		"control_id", s.ControlID,
		"message_type", s.MessageType,
		"status", StatusSuccess,
		"patient_id", s.PatientID,
		"source_system", s.SourceSystem,
		"retry_count", s.RetryCount,
		"duration_ms", s.Duration.Milliseconds())
	return nil
}

// RecordFailure logs f at Warn.
func (l *LogSink) RecordFailure(ctx context.Context, f Failure) error {
	l.logger.WarnContext(ctx, "Audit record created",
		"control_id", f.ControlID,
		"message_type", f.MessageType,
		"status", StatusFailed,
		"stage", f.Stage,
		"error", f.Err,
		"source_system", f.SourceSystem,
		"retry_count", f.RetryCount,
		"duration_ms", f.Duration.Milliseconds())
	return nil
}
