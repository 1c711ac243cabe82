package events

import (
	"context"
	"log/slog"

	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
)

// LogSink writes each event to the logger. The PostgreSQL repositories write
// the outbox rows themselves, so this is the post-commit sink in every mode.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, event auction.Event) error {
	s.logger.Info("Event emitted", "event_type", event.EventType(), "aggregate_id", event.AggregateID())
	return nil
}
