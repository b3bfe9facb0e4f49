// Package main provides the API server entry point.
package main

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
	"github.com/lllypuk/matreq/internal/middleware"
)

// wsTokenQueryParam carries the credential for clients that cannot set
// headers on the WebSocket handshake.
const wsTokenQueryParam = "token"

// SetupRoutes configures all API routes and middleware chains on e.
func SetupRoutes(c *Container, e *echo.Echo) *httpserver.Router {
	corsConfig := middleware.DefaultCORSConfig()
	if len(c.Config.Server.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = c.Config.Server.AllowOrigins
	}

	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.Logger = c.Logger
	if c.HTTPMetrics != nil {
		loggingConfig.Observe = c.HTTPMetrics.Observe
	}

	routerConfig := httpserver.RouterConfig{
		Logger: c.Logger,
		AuthMiddleware: middleware.Auth(middleware.AuthConfig{
			Logger:         c.Logger,
			TokenValidator: c.TokenValidator,
			SkipPaths:      middleware.DefaultAuthConfig().SkipPaths,
		}),
		StreamAuthMiddleware: middleware.Auth(middleware.AuthConfig{
			Logger:         c.Logger,
			TokenValidator: c.TokenValidator,
			Optional:       true,
			QueryParam:     wsTokenQueryParam,
		}),
		WriteRateLimitMiddleware: writeRateLimit(c),
		CORSConfig:               corsConfig,
		LoggingConfig:            loggingConfig,
		RecoveryConfig:           middleware.RecoveryConfig{Logger: c.Logger},
		APIPrefix:                httpserver.DefaultAPIPrefix,
	}

	router := httpserver.NewRouter(e, routerConfig)

	router.RegisterHealthEndpoints(c)
	gatherer, _ := c.Registerer.(prometheus.Gatherer)
	router.RegisterMetricsEndpoint(gatherer)

	if c.WSHandler != nil {
		router.RegisterAll(c.WSHandler)
	}
	if c.SyncHandler != nil {
		router.RegisterAll(c.SyncHandler)
	}

	// Log all registered routes in debug mode
	if c.Config.IsDevelopment() {
		router.PrintRoutes()
	}

	return router
}

// writeRateLimit throttles the write endpoints per principal. It returns nil
// when rate limiting is disabled.
func writeRateLimit(c *Container) echo.MiddlewareFunc {
	if !c.Config.RateLimit.Enabled || c.RateLimitStore == nil {
		return nil
	}

	rlConfig := middleware.DefaultRateLimitConfig()
	rlConfig.Logger = c.Logger
	rlConfig.Store = c.RateLimitStore
	rlConfig.Limit = c.Config.RateLimit.Limit
	rlConfig.Window = c.Config.RateLimit.Window
	rlConfig.Scope = "writes"
	return middleware.RateLimit(rlConfig)
}
