// Package websocket provides the server side of the change stream: one hub,
// one Client per connection, and a Broadcaster feeding the hub from the event bus.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
)

const defaultBroadcastBufferSize = 256

// Outbound message types.
const (
	TypeChange = "change"
	TypeAck    = "ack"
	TypeError  = "error"
	TypePong   = "pong"
)

// Message is a frame sent from the server to a client.
type Message struct {
	Type       string        `json:"type"`
	Action     string        `json:"action,omitempty"`
	EntityKind change.Kind   `json:"entity_kind,omitempty"`
	Code       string        `json:"code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Event      *change.Event `json:"event,omitempty"`
}

// Shaper authorizes subscriptions and shapes events per subscriber.
// Declared on the consumer side; implemented by gateway.Gateway.
type Shaper interface {
	Authorize(principal *access.Principal, kind change.Kind) error
	Shape(ctx context.Context, principal *access.Principal, evt *change.Event) (*change.Event, bool)
}

// Recorder receives connection and subscription counts.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	Subscribed(kind change.Kind)
	Unsubscribed(kind change.Kind)
}

type noopRecorder struct{}

func (noopRecorder) ConnectionOpened()        {}
func (noopRecorder) ConnectionClosed()        {}
func (noopRecorder) Subscribed(change.Kind)   {}
func (noopRecorder) Unsubscribed(change.Kind) {}

// Hub owns every stream connection and the per-kind subscriber sets. One
// goroutine (Run) applies registrations and delivers events, so each kind's
// events reach a subscriber in broadcast order.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	subscribers map[change.Kind]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan *change.Event

	shaper   Shaper
	recorder Recorder
	logger   *slog.Logger

	running  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

type HubOption func(*Hub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithHubRecorder(recorder Recorder) HubOption {
	return func(h *Hub) {
		if recorder != nil {
			h.recorder = recorder
		}
	}
}

// NewHub creates a hub delivering events shaped by shaper.
func NewHub(shaper Shaper, opts ...HubOption) *Hub {
	h := &Hub{
		clients:     make(map[*Client]struct{}),
		subscribers: make(map[change.Kind]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *change.Event, defaultBroadcastBufferSize),
		shaper:      shaper,
		recorder:    noopRecorder{},
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes registrations and broadcasts until ctx is done or Stop is
// called, then closes every connection. A second concurrent Run returns at
// once.
func (h *Hub) Run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	defer h.shutdown()

	h.logger.InfoContext(ctx, "websocket hub started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case evt := <-h.broadcast:
			h.deliver(ctx, evt)
		}
	}
}

func (h *Hub) Stop() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for client := range h.clients {
		h.releaseLocked(client)
	}
	clear(h.clients)
	clear(h.subscribers)
	h.mu.Unlock()

	h.running.Store(false)
	h.logger.Info("websocket hub stopped")
}

// Register hands client to the hub. After Stop the client is closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.Close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues evt for delivery to the subscribers of its kind. Events
// are delivered in the order Broadcast is called.
func (h *Hub) Broadcast(ctx context.Context, evt *change.Event) error {
	select {
	case h.broadcast <- evt:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = struct{}{}
	h.recorder.ConnectionOpened()

	h.logger.Debug("client registered",
		slog.String("user_id", client.UserID()),
		slog.Int("total_clients", len(h.clients)),
	)
}

// remove drops client with all its subscriptions and closes it.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	h.releaseLocked(client)
	delete(h.clients, client)

	h.logger.Debug("client unregistered",
		slog.String("user_id", client.UserID()),
		slog.Int("total_clients", len(h.clients)),
	)
}

func (h *Hub) releaseLocked(client *Client) {
	for _, kind := range client.Kinds() {
		h.leaveLocked(client, kind)
	}
	h.recorder.ConnectionClosed()
	client.Close()
}

// Subscribe binds client to the channel of kind. The principal attached to
// the connection must be allowed to subscribe.
func (h *Hub) Subscribe(client *Client, kind change.Kind) error {
	if err := h.shaper.Authorize(client.Principal(), kind); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if client.IsClosed() {
		return ErrClientClosed
	}
	if client.HasKind(kind) {
		return nil
	}

	subs, ok := h.subscribers[kind]
	if !ok {
		subs = make(map[*Client]struct{})
		h.subscribers[kind] = subs
	}
	subs[client] = struct{}{}
	client.addKind(kind)
	h.recorder.Subscribed(kind)

	h.logger.Debug("client subscribed",
		slog.String("user_id", client.UserID()),
		slog.String("entity_kind", string(kind)),
	)

	return nil
}

// Unsubscribe releases the binding of client to kind. No event of that kind
// is written to the client afterwards.
func (h *Hub) Unsubscribe(client *Client, kind change.Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(client, kind)

	h.logger.Debug("client unsubscribed",
		slog.String("user_id", client.UserID()),
		slog.String("entity_kind", string(kind)),
	)
}

func (h *Hub) leaveLocked(client *Client, kind change.Kind) {
	if !client.HasKind(kind) {
		return
	}
	if subs, ok := h.subscribers[kind]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscribers, kind)
		}
	}
	client.removeKind(kind)
	h.recorder.Unsubscribed(kind)
}

// deliver shapes evt for every subscriber of its kind and queues the result.
// A client that cannot keep up is disconnected; it resynchronizes on reconnect.
func (h *Hub) deliver(ctx context.Context, evt *change.Event) {
	var lagging []*Client

	h.mu.RLock()
	for client := range h.subscribers[evt.Kind] {
		shaped, ok := h.shaper.Shape(ctx, client.Principal(), evt)
		if !ok {
			continue
		}

		data, err := json.Marshal(Message{Type: TypeChange, EntityKind: evt.Kind, Event: shaped})
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to marshal change frame",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !client.enqueue(outbound{kind: evt.Kind, data: data}) {
			lagging = append(lagging, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range lagging {
		h.logger.WarnContext(ctx, "client send queue full, closing connection",
			slog.String("user_id", client.UserID()),
			slog.String("entity_kind", string(evt.Kind)),
		)
		h.remove(client)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to kind.
func (h *Hub) SubscriberCount(kind change.Kind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[kind])
}

func (h *Hub) IsRunning() bool {
	return h.running.Load()
}
