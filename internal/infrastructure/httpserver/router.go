package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lllypuk/matreq/internal/middleware"
)

const DefaultAPIPrefix = "/api/v1"

// RouterConfig wires the middleware chains. Nil middlewares are skipped.
type RouterConfig struct {
	Logger *slog.Logger

	// AuthMiddleware guards reads and writes; requests without a valid
	// credential are refused.
	AuthMiddleware echo.MiddlewareFunc

	// StreamAuthMiddleware guards the change stream. It attaches a principal
	// when a credential is sent and admits anonymous handshakes.
	StreamAuthMiddleware echo.MiddlewareFunc

	WriteRateLimitMiddleware echo.MiddlewareFunc

	CORSConfig     middleware.CORSConfig
	LoggingConfig  middleware.LoggingConfig
	RecoveryConfig middleware.RecoveryConfig

	APIPrefix string
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Logger:        slog.Default(),
		CORSConfig:    middleware.DefaultCORSConfig(),
		LoggingConfig: middleware.DefaultLoggingConfig(),
		APIPrefix:     DefaultAPIPrefix,
	}
}

// Router hands out the route groups under the API prefix:
//
//	public  no authentication
//	auth    authenticated reads
//	writes  authenticated and rate limited mutations
//	stream  optional authentication, enforced per subscription
type Router struct {
	echo   *echo.Echo
	logger *slog.Logger

	public *echo.Group
	auth   *echo.Group
	writes *echo.Group
	stream *echo.Group
}

// NewRouter installs the global middleware on e and builds the groups.
func NewRouter(e *echo.Echo, config RouterConfig) *Router {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := config.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}

	// Logging is outermost so recovered panics still get an access line.
	e.Use(
		middleware.Logging(config.LoggingConfig),
		middleware.RecoveryWithConfig(config.RecoveryConfig),
		middleware.CORS(config.CORSConfig),
	)

	r := &Router{echo: e, logger: logger}
	r.public = e.Group(prefix)
	if config.AuthMiddleware == nil {
		logger.Warn("no auth middleware configured, authenticated routes are public")
	}
	r.auth = subgroup(r.public, config.AuthMiddleware)
	r.writes = subgroup(r.auth, config.WriteRateLimitMiddleware)
	r.stream = subgroup(r.public, config.StreamAuthMiddleware)
	return r
}

func subgroup(parent *echo.Group, mw echo.MiddlewareFunc) *echo.Group {
	if mw == nil {
		return parent
	}
	return parent.Group("", mw)
}

func (r *Router) Echo() *echo.Echo { return r.echo }
func (r *Router) Public() *echo.Group { return r.public }
func (r *Router) Auth() *echo.Group { return r.auth }
func (r *Router) Writes() *echo.Group { return r.writes }
func (r *Router) Stream() *echo.Group { return r.stream }

// RouteRegistrar is implemented by handlers that mount their own routes.
type RouteRegistrar interface {
	RegisterRoutes(r *Router)
}

func (r *Router) RegisterAll(registrars ...RouteRegistrar) {
	for _, registrar := range registrars {
		registrar.RegisterRoutes(r)
	}
}

// RegisterHealthEndpoints mounts /health, /ready and /health/details.
func (r *Router) RegisterHealthEndpoints(checker HealthChecker) {
	NewHealthEndpoints(checker).Register(r.echo)
}

// RegisterMetricsEndpoint serves gatherer at /metrics, or the default
// registry when gatherer is nil.
func (r *Router) RegisterMetricsEndpoint(gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// PrintRoutes logs every registered route at debug level.
func (r *Router) PrintRoutes() {
	for _, route := range r.echo.Routes() {
		r.logger.Debug("registered route",
			slog.String("method", route.Method),
			slog.String("path", route.Path),
		)
	}
}
