// Package eventbus provides the named per-entity-kind channels change events travel on.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/matreq/internal/domain/change"
)

const defaultChannelPrefix = "changes:"

// Bus errors.
var (
	ErrNilEvent       = errors.New("event cannot be nil")
	ErrNilHandler     = errors.New("handler cannot be nil")
	ErrUnknownKind    = errors.New("unknown entity kind")
	ErrAlreadyRunning = errors.New("event bus is already running")
)

// Handler consumes the events of one channel. Handlers of a channel are
// invoked one message at a time, in arrival order.
type Handler func(ctx context.Context, evt *change.Event) error

// RedisEventBus carries change events over Redis Pub/Sub, one channel per
// entity kind. Handlers are registered before Start.
type RedisEventBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[change.Kind][]Handler

	running  atomic.Bool
	ready    chan struct{}
	markOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	pubsub   atomic.Pointer[redis.PubSub]
}

type Option func(*RedisEventBus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *RedisEventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithChannelPrefix namespaces the channels, e.g. per deployment.
func WithChannelPrefix(prefix string) Option {
	return func(b *RedisEventBus) { b.prefix = prefix }
}

func NewRedisEventBus(client *redis.Client, opts ...Option) *RedisEventBus {
	b := &RedisEventBus{
		client:   client,
		prefix:   defaultChannelPrefix,
		logger:   slog.Default(),
		handlers: make(map[change.Kind][]Handler),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish pushes evt onto the channel of its entity kind.
func (b *RedisEventBus) Publish(ctx context.Context, evt *change.Event) error {
	if evt == nil {
		return ErrNilEvent
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := b.ChannelName(evt.Kind)

	if publishErr := b.client.Publish(ctx, channel, data).Err(); publishErr != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", publishErr)
	}

	b.logger.DebugContext(ctx, "change event published",
		slog.String("event_id", evt.ID),
		slog.String("entity_kind", string(evt.Kind)),
		slog.String("event_type", string(evt.Type)),
		slog.String("channel", channel),
	)

	return nil
}

// Subscribe registers a handler for the channel of kind. Subscriptions must be
// made before Start.
func (b *RedisEventBus) Subscribe(kind change.Kind, handler Handler) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if handler == nil {
		return ErrNilHandler
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.handlers[kind] = append(b.handlers[kind], handler)

	return nil
}

// Start subscribes to the channels of every registered kind and dispatches
// messages in arrival order until Shutdown or ctx is done.
func (b *RedisEventBus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	channels := b.subscribedChannels()
	if len(channels) == 0 {
		b.logger.WarnContext(ctx, "event bus started without subscriptions")
		b.markReady()
		return b.idle(ctx)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		b.running.Store(false)
		return fmt.Errorf("failed to subscribe to channels: %w", err)
	}
	b.pubsub.Store(pubsub)
	b.markReady()

	b.logger.InfoContext(ctx, "event bus started", slog.Any("channels", channels))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "event bus stopped", slog.String("reason", "context done"))
			return ctx.Err()
		case <-b.stop:
			b.logger.InfoContext(ctx, "event bus stopped", slog.String("reason", "shutdown"))
			return nil
		case msg, ok := <-messages:
			if !ok {
				b.logger.WarnContext(ctx, "event bus subscription closed")
				return nil
			}
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *RedisEventBus) idle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stop:
		return nil
	}
}

// Ready is closed once the bus listens on its channels.
func (b *RedisEventBus) Ready() <-chan struct{} {
	return b.ready
}

// Shutdown stops a running bus. Calling it on a stopped bus is a no-op.
func (b *RedisEventBus) Shutdown() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.stopOnce.Do(func() { close(b.stop) })

	if pubsub := b.pubsub.Swap(nil); pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}
	return nil
}

func (b *RedisEventBus) IsRunning() bool {
	return b.running.Load()
}

// HandlerCount returns the number of handlers registered for kind.
func (b *RedisEventBus) HandlerCount(kind change.Kind) int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return len(b.handlers[kind])
}

// ChannelName returns the Redis channel name for kind.
func (b *RedisEventBus) ChannelName(kind change.Kind) string {
	return b.prefix + string(kind)
}

func (b *RedisEventBus) markReady() {
	b.markOnce.Do(func() { close(b.ready) })
}

// subscribedChannels returns the Redis channel names of all subscribed kinds.
func (b *RedisEventBus) subscribedChannels() []string {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	channels := make([]string, 0, len(b.handlers))
	for kind := range b.handlers {
		channels = append(channels, b.ChannelName(kind))
	}
	return channels
}

// handleMessage decodes one message and runs the handlers of its channel.
func (b *RedisEventBus) handleMessage(ctx context.Context, msg *redis.Message) {
	evt, err := change.Decode([]byte(msg.Payload))
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to decode change event",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	if b.ChannelName(evt.Kind) != msg.Channel {
		b.logger.WarnContext(ctx, "change event on foreign channel dropped",
			slog.String("channel", msg.Channel),
			slog.String("entity_kind", string(evt.Kind)),
		)
		return
	}

	b.handlersMu.RLock()
	handlers := b.handlers[evt.Kind]
	b.handlersMu.RUnlock()

	dispatch(ctx, b.logger, handlers, evt)
}

// dispatch runs handlers sequentially so a channel's order is preserved.
func dispatch(ctx context.Context, logger *slog.Logger, handlers []Handler, evt *change.Event) {
	for i, handler := range handlers {
		if err := handler(ctx, evt); err != nil {
			logger.WarnContext(ctx, "change event handler failed",
				slog.String("event_id", evt.ID),
				slog.String("entity_kind", string(evt.Kind)),
				slog.Int("handler_index", i),
				slog.String("error", err.Error()),
			)
		}
	}
}
