package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/gateway"
)

const (
	defaultReadBufferSize  = 1024
	defaultWriteBufferSize = 1024
	defaultPingInterval    = 30 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultMaxMessageSize  = 65536
	defaultSendBufferSize  = 256
)

// Frame types a client may send.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Codes of error frames.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownKind    = "unknown_kind"
	CodeUnauthorized   = "unauthorized"
	CodeUnknownType    = "unknown_type"
)

var ErrClientClosed = errors.New("client connection closed")

type ClientConfig struct {
	ReadBufferSize  int
	WriteBufferSize int

	// PingInterval must stay below PongWait or idle peers time out.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	MaxMessageSize int64

	// SendBufferSize is how many frames may queue before the connection
	// counts as lagging and is dropped.
	SendBufferSize int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReadBufferSize:  defaultReadBufferSize,
		WriteBufferSize: defaultWriteBufferSize,
		PingInterval:    defaultPingInterval,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		MaxMessageSize:  defaultMaxMessageSize,
		SendBufferSize:  defaultSendBufferSize,
	}
}

// ClientMessage is a control frame sent by the peer.
type ClientMessage struct {
	Type       string      `json:"type"`
	EntityKind change.Kind `json:"entity_kind,omitempty"`
}

// outbound is a queued frame. Change frames remember their kind and are
// dropped at write time if that kind was unsubscribed meanwhile.
type outbound struct {
	kind change.Kind
	data []byte
}

// Client is one stream connection. A nil principal marks an anonymous
// connection, which may ping but never subscribe.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	principal *access.Principal
	config    ClientConfig
	logger    *slog.Logger

	mu    sync.RWMutex
	kinds map[change.Kind]bool

	// sendMu guards send against a close racing an enqueue.
	sendMu    sync.RWMutex
	send      chan outbound
	closed    bool
	closeOnce sync.Once
}

type ClientOption func(*Client)

func WithClientConfig(config ClientConfig) ClientOption {
	return func(c *Client) { c.config = config }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, principal *access.Principal, opts ...ClientOption) *Client {
	c := &Client{
		hub:       hub,
		conn:      conn,
		principal: principal,
		kinds:     make(map[change.Kind]bool),
		config:    DefaultClientConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.SendBufferSize <= 0 {
		c.config.SendBufferSize = defaultSendBufferSize
	}
	c.send = make(chan outbound, c.config.SendBufferSize)
	c.logger = c.logger.With(slog.String("user_id", c.UserID()))
	return c
}

func (c *Client) Principal() *access.Principal {
	return c.principal
}

// UserID is "" for anonymous connections.
func (c *Client) UserID() string {
	if c.principal == nil {
		return ""
	}
	return c.principal.UserID
}

// Kinds lists the subscribed kinds in no particular order.
func (c *Client) Kinds() []change.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]change.Kind, 0, len(c.kinds))
	for k := range c.kinds {
		out = append(out, k)
	}
	return out
}

func (c *Client) HasKind(kind change.Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kinds[kind]
}

func (c *Client) addKind(kind change.Kind) {
	c.mu.Lock()
	c.kinds[kind] = true
	c.mu.Unlock()
}

func (c *Client) removeKind(kind change.Kind) {
	c.mu.Lock()
	delete(c.kinds, kind)
	c.mu.Unlock()
}

func (c *Client) IsClosed() bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.closed
}

// ReadPump handles control frames until the peer goes away, then
// unregisters the client. Run it on its own goroutine.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	}
	if err := extend(""); err != nil {
		c.logger.Error("stream read deadline", slog.String("error", err.Error()))
		return
	}
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("stream read failed", slog.String("error", err.Error()))
			}
			return
		}
		c.dispatch(data)
	}
}

// WritePump drains the send queue and keeps the peer alive with pings. It
// closes the connection when it returns. Run it on its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if out.kind != "" && !c.HasKind(out.kind) {
				continue
			}
			if err := c.write(websocket.TextMessage, out.data); err != nil {
				c.logger.Warn("stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) dispatch(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("unreadable control frame", slog.String("error", err.Error()))
		c.sendError("", "", CodeInvalidMessage, "invalid message format")
		return
	}

	switch msg.Type {
	case TypePing:
		c.sendFrame(Message{Type: TypePong})
		return
	case TypeSubscribe, TypeUnsubscribe:
	default:
		c.sendError(msg.Type, "", CodeUnknownType, "unknown message type: "+msg.Type)
		return
	}

	if !msg.EntityKind.IsValid() {
		c.sendError(msg.Type, msg.EntityKind, CodeUnknownKind, "entity_kind is not a known kind")
		return
	}

	if msg.Type == TypeUnsubscribe {
		c.hub.Unsubscribe(c, msg.EntityKind)
		c.sendAck("unsubscribed", msg.EntityKind)
		return
	}

	err := c.hub.Subscribe(c, msg.EntityKind)
	switch {
	case err == nil:
		c.sendAck("subscribed", msg.EntityKind)
	case errors.Is(err, ErrClientClosed):
	default:
		code := CodeUnauthorized
		if errors.Is(err, gateway.ErrUnknownKind) {
			code = CodeUnknownKind
		}
		c.logger.Info("subscription rejected",
			slog.String("entity_kind", string(msg.EntityKind)),
			slog.String("error", err.Error()),
		)
		c.sendError(TypeSubscribe, msg.EntityKind, code, err.Error())
	}
}

func (c *Client) sendError(action string, kind change.Kind, code, message string) {
	c.sendFrame(Message{Type: TypeError, Action: action, EntityKind: kind, Code: code, Message: message})
}

func (c *Client) sendAck(action string, kind change.Kind) {
	c.sendFrame(Message{Type: TypeAck, Action: action, EntityKind: kind})
}

func (c *Client) sendFrame(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(outbound{data: data}) {
		c.logger.Warn("send queue full, control frame dropped", slog.String("type", msg.Type))
	}
}

// enqueue never blocks. It reports false only when the queue is full; frames
// for a closed client are discarded silently.
func (c *Client) enqueue(out outbound) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- out:
		return true
	default:
		return false
	}
}

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()

		_ = c.conn.Close()
		c.logger.Debug("stream connection closed")
	})
}
