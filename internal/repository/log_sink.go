package repository

import (
	"context"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	applogger "FinCascade/pkg/logger"
)

// LogEventSink writes events to the application log. Failures and breaker
// openings are logged at warn level, everything else at debug.
type LogEventSink struct {
	l *applogger.Logger
}

func NewLogEventSink(l *applogger.Logger) *LogEventSink {
	if l == nil {
		l = applogger.Nop()
	}
	return &LogEventSink{l: l}
}

func (s *LogEventSink) Emit(_ context.Context, ev models.Event) error {
	fields := []applogger.Field{
		applogger.String("type", string(ev.Type)),
		applogger.String("request_id", ev.RequestID),
		applogger.String("stage", string(ev.Stage)),
		applogger.String("endpoint", ev.Endpoint),
	}
	switch ev.Type {
	case models.EventStageFailed, models.EventBreakerOpened:
		fields = append(fields,
			applogger.String("kind", string(ev.Kind)),
			applogger.String("detail", ev.Detail),
		)
		s.l.Warn("cascade event", fields...)
	default:
		fields = append(fields, applogger.Int64("latency_ms", ev.Latency))
		s.l.Debug("cascade event", fields...)
	}
	return nil
}

func (s *LogEventSink) EmitBatch(ctx context.Context, events []models.Event) error {
	for _, ev := range events {
		_ = s.Emit(ctx, ev)
	}
	return nil
}

var (
	_ domrepo.EventSink      = (*LogEventSink)(nil)
	_ domrepo.EventBatchSink = (*LogEventSink)(nil)
)
