package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Discarded
// updates are logged at debug level only.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each change in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Change) error {
	for _, change := range batch {
		rec := change.Record
		fields := []zap.Field{
			zap.String("job_id", rec.JobID),
			zap.String("change", string(change.Type)),
			zap.String("status", string(rec.Status)),
			zap.Int64("processed", rec.Processed),
		}
		if change.Outcome != "" {
			fields = append(fields, zap.String("outcome", string(change.Outcome)))
		}
		if change.Channel != "" {
			fields = append(fields, zap.String("channel", string(change.Channel)))
		}
		if rec.Total != nil {
			fields = append(fields, zap.Int64("total", *rec.Total))
		}
		if rec.Matched != nil {
			fields = append(fields, zap.Int64("matched", *rec.Matched))
		}
		if change.Reason != "" {
			fields = append(fields, zap.String("reason", change.Reason))
		}
		switch change.Type {
		case progress.ChangeDiscarded:
			s.logger.Debug("progress update discarded", fields...)
		case progress.ChangeEvicted:
			s.logger.Info("progress record evicted", fields...)
		default:
			s.logger.Info("progress record updated", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
