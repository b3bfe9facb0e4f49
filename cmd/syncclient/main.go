// Package main provides the headless sync client entry point. It keeps a
// local copy of the server's collections current over the change stream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lllypuk/matreq/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting matreq sync client",
		slog.String("version", "0.1.0"),
		slog.String("server", cfg.Client.ServerURL),
		slog.Any("kinds", cfg.Client.Kinds),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	client, err := newSyncClient(cfg.Client, logger)
	if err != nil {
		logger.Error("failed to build sync client", slog.String("error", err.Error()))
		stop()
		os.Exit(1) //nolint:gocritic // stop() called before exit
	}

	if runErr := client.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("sync client error", slog.String("error", runErr.Error()))
		stop()
		os.Exit(1)
	}

	logger.Info("sync client shutdown complete")
}
