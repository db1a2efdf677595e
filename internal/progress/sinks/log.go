package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-sync-crawler/internal/progress"
)

// LogSink emits structured logs for progress streams. Page events are logged
// at debug level; lifecycle events at info.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Partition != "" {
			fields = append(fields, zap.String("partition", evt.Partition), zap.Int("worker", evt.Worker))
		}
		switch evt.Stage {
		case progress.StagePageDone:
			fields = append(fields,
				zap.Int("page", evt.Page),
				zap.Int("records", evt.Records),
				zap.Int("fresh", evt.Fresh),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
			)
			s.logger.Debug("progress event", fields...)
			continue
		case progress.StagePartitionDone:
			fields = append(fields, zap.String("stop_reason", evt.StopReason))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
