package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// InMemoryEventBus delivers change events within one process. It is used for
// single-instance deployments and tests.
type InMemoryEventBus struct {
	handlers   map[change.Kind][]Handler
	handlersMu sync.RWMutex

	// channelMu serializes delivery per kind so every channel stays FIFO.
	channelMu map[change.Kind]*sync.Mutex

	logger *slog.Logger
	ready  chan struct{}
}

// NewInMemoryEventBus creates an in-process event bus.
func NewInMemoryEventBus(logger *slog.Logger) *InMemoryEventBus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &InMemoryEventBus{
		handlers:  make(map[change.Kind][]Handler),
		channelMu: make(map[change.Kind]*sync.Mutex),
		logger:    logger,
		ready:     make(chan struct{}),
	}
	for _, kind := range change.AllKinds() {
		b.channelMu[kind] = &sync.Mutex{}
	}
	close(b.ready)

	return b
}

// Publish delivers evt to the handlers of its kind before returning.
func (b *InMemoryEventBus) Publish(ctx context.Context, evt *change.Event) error {
	if evt == nil {
		return ErrNilEvent
	}
	mu, ok := b.channelMu[evt.Kind]
	if !ok {
		return ErrUnknownKind
	}

	b.handlersMu.RLock()
	handlers := b.handlers[evt.Kind]
	b.handlersMu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	dispatch(ctx, b.logger, handlers, evt)

	return nil
}

// Subscribe registers a handler for the channel of kind.
func (b *InMemoryEventBus) Subscribe(kind change.Kind, handler Handler) error {
	if !kind.IsValid() {
		return ErrUnknownKind
	}
	if handler == nil {
		return ErrNilHandler
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)

	return nil
}

// Start blocks until ctx is cancelled; delivery needs no background loop.
func (b *InMemoryEventBus) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Ready is always closed.
func (b *InMemoryEventBus) Ready() <-chan struct{} {
	return b.ready
}

// Shutdown is a no-op.
func (b *InMemoryEventBus) Shutdown() error {
	return nil
}

// HandlerCount returns the number of handlers registered for kind.
func (b *InMemoryEventBus) HandlerCount(kind change.Kind) int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return len(b.handlers[kind])
}
