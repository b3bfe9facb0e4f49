// Package websocket serves the change stream endpoint.
package websocket

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lllypuk/matreq/internal/domain/errs"
	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
	ws "github.com/lllypuk/matreq/internal/infrastructure/websocket"
	"github.com/lllypuk/matreq/internal/middleware"
)

// StreamPath is the change stream endpoint below the stream route group.
const StreamPath = "/ws"

const defaultBufferSize = 1024

// HandlerConfig configures the upgrade and the clients it creates.
type HandlerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin vets the handshake origin. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Logger       *slog.Logger
	ClientConfig ws.ClientConfig

	// AllowAnonymous keeps connections without a principal open. Their
	// subscribes are answered with an unauthorized error frame.
	AllowAnonymous bool
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadBufferSize:  defaultBufferSize,
		WriteBufferSize: defaultBufferSize,
		Logger:          slog.Default(),
		ClientConfig:    ws.DefaultClientConfig(),
		AllowAnonymous:  true,
	}
}

// Handler upgrades stream requests and hands the connection to the hub
// together with the principal the auth middleware attached.
type Handler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	config   HandlerConfig
	logger   *slog.Logger
}

func NewHandler(hub *ws.Hub, config HandlerConfig) *Handler {
	defaults := DefaultHandlerConfig()
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = defaults.WriteBufferSize
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ClientConfig == (ws.ClientConfig{}) {
		config.ClientConfig = defaults.ClientConfig
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		config: config,
		logger: config.Logger,
	}
}

// RegisterRoutes mounts the stream on the router's stream group.
func (h *Handler) RegisterRoutes(r *httpserver.Router) {
	h.Mount(r.Stream())
}

// Mount registers the stream endpoint on g.
func (h *Handler) Mount(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET(StreamPath, h.Stream, mw...)
}

// Stream upgrades the request and registers the client with the hub.
func (h *Handler) Stream(c echo.Context) error {
	principal := middleware.GetPrincipal(c)
	identity := "anonymous"
	if principal != nil {
		identity = principal.UserID
	}

	if principal == nil && !h.config.AllowAnonymous {
		h.logger.Warn("stream refused without credential", slog.String("remote_ip", c.RealIP()))
		return httpserver.RespondError(c, errs.ErrUnauthorized)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the failure response.
		h.logger.Error("stream upgrade failed",
			slog.String("user_id", identity),
			slog.String("error", err.Error()),
		)
		return nil
	}

	client := ws.NewClient(h.hub, conn, principal,
		ws.WithClientConfig(h.config.ClientConfig),
		ws.WithClientLogger(h.logger),
	)
	h.hub.Register(client)

	h.logger.Info("stream connected",
		slog.String("user_id", identity),
		slog.String("remote_ip", c.RealIP()),
	)

	go client.WritePump()
	go client.ReadPump()
	return nil
}
