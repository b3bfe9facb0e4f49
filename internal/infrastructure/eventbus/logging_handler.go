package eventbus

import (
	"context"
	"log/slog"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// LoggingHandler writes an audit line for every change event seen on a channel.
type LoggingHandler struct {
	logger *slog.Logger
}

// NewLoggingHandler creates a new logging handler.
func NewLoggingHandler(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

// Handle logs the event.
func (h *LoggingHandler) Handle(ctx context.Context, evt *change.Event) error {
	h.logger.InfoContext(ctx, "change event",
		slog.String("event_id", evt.ID),
		slog.String("entity_kind", string(evt.Kind)),
		slog.String("event_type", string(evt.Type)),
		slog.String("change_type", string(evt.ChangeType())),
		slog.Int("aggregates", len(evt.Aggregates())),
		slog.String("actor_id", evt.ActorID),
	)
	return nil
}

// SubscribeAll registers the handler on every entity kind channel.
func (h *LoggingHandler) SubscribeAll(subscribe func(change.Kind, Handler) error) error {
	for _, kind := range change.AllKinds() {
		if err := subscribe(kind, h.Handle); err != nil {
			return err
		}
	}
	return nil
}
