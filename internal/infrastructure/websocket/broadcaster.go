package websocket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/infrastructure/eventbus"
)

// EventBus defines the interface for subscribing to change channels.
// Declared on the consumer side.
type EventBus interface {
	Subscribe(kind change.Kind, handler eventbus.Handler) error
}

// Broadcaster listens to the change channels and hands every event to the hub.
type Broadcaster struct {
	hub      *Hub
	eventBus EventBus
	logger   *slog.Logger

	// kinds lists which channels to listen on.
	kinds []change.Kind

	running   bool
	runningMu sync.RWMutex
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger for the broadcaster.
func WithBroadcasterLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithKinds sets which entity kinds to relay.
func WithKinds(kinds ...change.Kind) BroadcasterOption {
	return func(b *Broadcaster) {
		b.kinds = kinds
	}
}

// NewBroadcaster creates a new Broadcaster relaying every entity kind by default.
func NewBroadcaster(hub *Hub, eventBus EventBus, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		hub:      hub,
		eventBus: eventBus,
		logger:   slog.Default(),
		kinds:    change.AllKinds(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Start subscribes to the event bus. It registers handlers but doesn't block,
// and must be called before the event bus starts.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.runningMu.Lock()
	if b.running {
		b.runningMu.Unlock()
		return nil
	}
	b.running = true
	b.runningMu.Unlock()

	for _, kind := range b.kinds {
		if err := b.eventBus.Subscribe(kind, b.handleEvent); err != nil {
			b.logger.ErrorContext(ctx, "failed to subscribe to change channel",
				slog.String("entity_kind", string(kind)),
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	b.logger.InfoContext(ctx, "websocket broadcaster started",
		slog.Int("channels", len(b.kinds)),
	)

	return nil
}

// IsRunning returns whether the broadcaster is running.
func (b *Broadcaster) IsRunning() bool {
	b.runningMu.RLock()
	defer b.runningMu.RUnlock()
	return b.running
}

// handleEvent forwards evt to the hub. It blocks while the hub's queue is
// full so the channel's order is kept.
func (b *Broadcaster) handleEvent(ctx context.Context, evt *change.Event) error {
	b.logger.DebugContext(ctx, "relaying change event",
		slog.String("event_id", evt.ID),
		slog.String("entity_kind", string(evt.Kind)),
		slog.String("event_type", string(evt.Type)),
	)

	return b.hub.Broadcast(ctx, evt)
}
