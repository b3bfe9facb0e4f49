// Package main provides the API server entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lllypuk/matreq/internal/config"
	"github.com/lllypuk/matreq/internal/infrastructure/httpserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting matreq API server",
		slog.String("version", "0.1.0"),
		slog.String("environment", cfg.Environment()),
		slog.String("app", cfg.App.Name),
	)

	// Cancelled on SIGINT/SIGTERM; everything below shuts down from it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if runErr := run(ctx, cfg, logger); runErr != nil {
		logger.Error("server error", slog.String("error", runErr.Error()))
		stop()
		os.Exit(1) //nolint:gocritic // stop() called before exit
	}

	logger.Info("server shutdown complete")
}

// run builds the container, starts the change stream and serves until ctx is
// cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	container, err := NewContainer(cfg, WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		if closeErr := container.Close(); closeErr != nil {
			logger.Error("container close error", slog.String("error", closeErr.Error()))
		}
	}()

	// Background services stop once the server has drained.
	serviceCtx, cancelServices := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelServices()

	if err = container.StartEventBus(serviceCtx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	container.StartHub(serviceCtx)

	if err = container.BootstrapAdmin(ctx); err != nil {
		return fmt.Errorf("bootstrap administrator: %w", err)
	}

	server := httpserver.NewServer(serverConfig(cfg), logger)
	SetupRoutes(container, server.Echo())

	return server.Run(ctx)
}

func serverConfig(cfg *config.Config) httpserver.ServerConfig {
	return httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		BodyLimit:       cfg.Server.BodyLimit,
	}
}
