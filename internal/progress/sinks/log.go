package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oddlid/rlunch/internal/progress"
)

// LogSink writes one structured log line per event. Pass boundaries and site
// errors log at Info and Warn; per-restaurant writes log at Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink; a nil logger discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("pass")}
}

// Consume logs each event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("pass_id", evt.PassID.String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Trigger != "" {
			fields = append(fields, zap.String("trigger", evt.Trigger))
		}
		if evt.Site != "" {
			fields = append(fields, zap.String("site", evt.Site))
		}
		if evt.Restaurant != "" {
			fields = append(fields, zap.String("restaurant", evt.Restaurant))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Stage == progress.StageSiteDone {
			fields = append(fields, zap.Int("results", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(level(evt), "pass event", fields...)
	}
	return nil
}

func level(evt progress.Event) zapcore.Level {
	switch evt.Stage {
	case progress.StageSiteError:
		return zapcore.WarnLevel
	case progress.StageRestaurantWrite:
		if evt.Outcome == progress.OutcomeError {
			return zapcore.WarnLevel
		}
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
