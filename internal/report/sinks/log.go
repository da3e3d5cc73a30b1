package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/report"
)

// LogSink writes every event as a structured log line. Item failures are
// logged at warn level so they surface in production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []report.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("source", evt.Source),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", string(evt.Phase)))
		}
		if evt.Task != "" {
			fields = append(fields, zap.String("task", evt.Task))
		}
		if evt.Count > 0 {
			fields = append(fields, zap.Int64("count", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case report.StageItemFailed, report.StageSourceError:
			s.logger.Warn("ingest event", fields...)
		default:
			s.logger.Info("ingest event", fields...)
		}
	}
	return nil
}

// Close implements report.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
