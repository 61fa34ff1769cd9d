package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/metrics"
)

// LogSink writes lifecycle events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing through the provided logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs one event.
func (s *LogSink) Consume(_ context.Context, evt Event) error {
	fields := []zap.Field{
		zap.String("job_id", evt.JobID),
		zap.String("url", evt.URL),
		zap.Int("attempt", evt.Attempt),
		zap.Duration("duration", evt.Dur),
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	switch evt.Stage {
	case StageJobError:
		s.logger.Error("job failed", fields...)
	case StageJobRetry:
		s.logger.Warn("job attempt failed, will retry", fields...)
	default:
		s.logger.Info("job "+string(evt.Stage), fields...)
	}
	return nil
}

// Close is a no-op; the logger is owned by the process.
func (s *LogSink) Close(_ context.Context) error { return nil }

// PrometheusSink translates lifecycle events into collector updates.
type PrometheusSink struct{}

// NewPrometheusSink creates the sink; metrics.Init must have run.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Consume updates counters for terminal stages.
func (s *PrometheusSink) Consume(_ context.Context, evt Event) error {
	switch evt.Stage {
	case StageJobDone:
		metrics.ObserveJobSettled("completed")
		metrics.ObserveAttempt(evt.Dur)
	case StageJobError:
		metrics.ObserveJobSettled("failed")
		metrics.ObserveAttempt(evt.Dur)
	case StageJobRetry:
		metrics.ObserveAttempt(evt.Dur)
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(_ context.Context) error { return nil }
