package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/lllypuk/matreq/internal/domain/change"
)

// State is the observable connection state of a Session.
type State string

// Session states.
const (
	// StateIdle means the session is not running or has no credential.
	StateIdle State = "idle"
	// StateConnected means the connection is up and resynchronized.
	StateConnected State = "connected"
	// StateDisconnected means the connection was lost and a redial is pending.
	StateDisconnected State = "disconnected"
)

// Frame types exchanged with the server.
const (
	frameSubscribe = "subscribe"
	frameChange    = "change"
	frameAck       = "ack"
	frameError     = "error"
	framePong      = "pong"
)

// Default session configuration constants.
const (
	defaultStreamPath       = "/api/v1/ws"
	defaultBackoffInitial   = 500 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	watcherBufferSize       = 16
)

// Session errors.
var (
	ErrInvalidServerURL = errors.New("invalid server url")
	ErrAlreadyRunning   = errors.New("session already running")

	errCredentialChanged = errors.New("credential changed")
)

// EventHandler receives every change event in arrival order.
type EventHandler func(ctx context.Context, evt *change.Event)

// ConnectHook runs after every successful dial, before any event is
// dispatched. An error tears the connection down and the session redials with
// backoff.
type ConnectHook func(ctx context.Context) error

// SessionConfig holds the connection parameters of a Session.
type SessionConfig struct {
	// Path is the change stream path on the server.
	Path string

	// Kinds are subscribed on every connection.
	Kinds []change.Kind

	// BackoffInitial and BackoffMax bound the exponential redial delay.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// PingInterval is how often the client pings. PongWait is how long the
	// connection may stay silent before it is considered lost.
	PingInterval time.Duration
	PongWait     time.Duration

	WriteWait        time.Duration
	HandshakeTimeout time.Duration
}

// DefaultSessionConfig returns a configuration subscribing to every kind.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Path:             defaultStreamPath,
		Kinds:            change.AllKinds(),
		BackoffInitial:   defaultBackoffInitial,
		BackoffMax:       defaultBackoffMax,
		PingInterval:     defaultPingInterval,
		PongWait:         defaultPongWait,
		WriteWait:        defaultWriteWait,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

// Session keeps one authenticated change stream connection alive.
type Session struct {
	server *url.URL
	creds  *Credentials
	config SessionConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	running     bool
	watchers    map[int]chan State
	nextWatcher int
	handlers    []EventHandler
	hooks       []ConnectHook
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionConfig sets the connection parameters.
func WithSessionConfig(config SessionConfig) SessionOption {
	return func(s *Session) {
		s.config = config
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(dialer *websocket.Dialer) SessionOption {
	return func(s *Session) {
		if dialer != nil {
			s.dialer = dialer
		}
	}
}

// NewSession creates a session for serverURL (http, https, ws or wss).
func NewSession(serverURL string, creds *Credentials, opts ...SessionOption) (*Session, error) {
	server, err := url.Parse(serverURL)
	if err != nil || server.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServerURL, serverURL)
	}

	s := &Session{
		server:   server,
		creds:    creds,
		config:   DefaultSessionConfig(),
		dialer:   websocket.DefaultDialer,
		logger:   slog.Default(),
		state:    StateIdle,
		watchers: make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err = s.endpoint(); err != nil {
		return nil, err
	}
	return s, nil
}

// endpoint returns the websocket URL of the change stream.
func (s *Session) endpoint() (string, error) {
	u := *s.server
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidServerURL, u.Scheme)
	}
	path := s.config.Path
	if path == "" {
		path = defaultStreamPath
	}
	return u.JoinPath(path).String(), nil
}

// OnEvent registers a handler for change events. Handlers run sequentially
// on the goroutine running the session.
func (s *Session) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// OnConnected registers a hook run after every successful dial.
func (s *Session) OnConnected(hook ConnectHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch returns a channel receiving the current state and every later
// transition, and a function that stops the watch. Slow watchers miss
// intermediate transitions.
func (s *Session) Watch() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan State, watcherBufferSize)
	ch <- s.state
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
		})
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	s.state = state
	for _, ch := range s.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

// Run connects and keeps the connection alive until ctx is cancelled.
// A caller-initiated stop leaves the session idle, never disconnected.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setState(StateIdle)
	}()

	bo := s.newBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		changed := s.creds.Changed()
		token := s.creds.Current()
		if token == "" {
			s.setState(StateIdle)
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				continue
			}
		}

		conn, err := s.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.NextBackOff()
			s.logger.WarnContext(ctx, "change stream dial failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			s.setState(StateDisconnected)
			if !s.wait(ctx, changed, delay) {
				return nil
			}
			continue
		}

		established, err := s.serve(ctx, conn, changed)
		if established {
			bo.Reset()
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errCredentialChanged):
			s.logger.InfoContext(ctx, "credential changed, reconnecting")
			continue
		}

		delay := bo.NextBackOff()
		s.logger.WarnContext(ctx, "change stream lost",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)
		s.setState(StateDisconnected)
		if !s.wait(ctx, changed, delay) {
			return nil
		}
	}
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.BackoffInitial
	bo.MaxInterval = s.config.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// wait sleeps for delay. A credential change cuts the wait short. It returns
// false when ctx is done.
func (s *Session) wait(ctx context.Context, changed <-chan struct{}, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-changed:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Session) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(dialCtx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// serve subscribes, runs the connect hooks and then dispatches frames until
// the connection fails, ctx is done or the credential changes. Frames are read
// from the moment the subscriptions are sent, so control frames are answered
// while the hooks run. Frames arriving before the hooks finish are held and
// dispatched in arrival order afterwards. established reports whether the
// connection got past the hooks.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn, changed <-chan struct{}) (established bool, err error) {
	defer conn.Close()

	for _, kind := range s.config.Kinds {
		frame := clientFrame{Type: frameSubscribe, EntityKind: kind}
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteWait))
		if err = conn.WriteJSON(frame); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}

	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	}
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	connCtx, cancel := context.WithCancel(ctx)
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	hooksDone := make(chan error, 1)
	reading, hooking := true, true
	defer func() {
		cancel()
		_ = conn.Close()
		if reading {
			<-readErr
		}
		if hooking {
			<-hooksDone
		}
	}()

	go func() {
		readErr <- s.readLoop(connCtx, conn, extend, frames)
	}()
	go func() {
		hooksDone <- s.runHooks(connCtx)
	}()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	var held [][]byte
	for {
		select {
		case <-ctx.Done():
			s.closeConn(conn)
			return established, ctx.Err()
		case <-changed:
			s.closeConn(conn)
			return established, errCredentialChanged
		case err = <-readErr:
			reading = false
			return established, err
		case err = <-hooksDone:
			hooking = false
			if err != nil {
				return false, fmt.Errorf("on connected: %w", err)
			}
			established = true
			s.setState(StateConnected)
			s.logger.InfoContext(ctx, "change stream connected",
				slog.Int("kinds", len(s.config.Kinds)),
				slog.Int("held_frames", len(held)),
			)
			for _, data := range held {
				s.dispatch(ctx, data)
			}
			held = nil
		case data := <-frames:
			if !established {
				held = append(held, data)
				continue
			}
			s.dispatch(ctx, data)
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteWait)
			if err = conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return established, fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (s *Session) runHooks(ctx context.Context) error {
	s.mu.Lock()
	hooks := append([]ConnectHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

// closeConn sends a normal closure and closes the socket.
func (s *Session) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WriteWait))
	_ = conn.Close()
}

// readLoop hands every data frame to the serve loop. Control frames are
// handled by the connection while it reads.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, extend func() error, frames chan<- []byte) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend()
		select {
		case frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// clientFrame is a frame sent to the server.
type clientFrame struct {
	Type       string      `json:"type"`
	EntityKind change.Kind `json:"entity_kind,omitempty"`
}

// serverFrame is a frame received from the server.
type serverFrame struct {
	Type       string          `json:"type"`
	Action     string          `json:"action,omitempty"`
	EntityKind change.Kind     `json:"entity_kind,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.WarnContext(ctx, "dropping unreadable frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Type {
	case frameChange:
		evt, err := change.Decode(frame.Event)
		if err != nil {
			s.logger.WarnContext(ctx, "dropping malformed change event", slog.String("error", err.Error()))
			return
		}
		s.mu.Lock()
		handlers := append([]EventHandler(nil), s.handlers...)
		s.mu.Unlock()
		for _, handler := range handlers {
			s.safeHandle(ctx, handler, evt)
		}
	case frameError:
		s.logger.WarnContext(ctx, "server rejected request",
			slog.String("entity_kind", string(frame.EntityKind)),
			slog.String("code", frame.Code),
			slog.String("message", frame.Message),
		)
	case frameAck:
		s.logger.DebugContext(ctx, "subscription acknowledged",
			slog.String("action", frame.Action),
			slog.String("entity_kind", string(frame.EntityKind)),
		)
	case framePong:
	default:
		s.logger.DebugContext(ctx, "ignoring frame", slog.String("type", frame.Type))
	}
}

func (s *Session) safeHandle(ctx context.Context, handler EventHandler, evt *change.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("entity_kind", string(evt.Kind)),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	handler(ctx, evt)
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
