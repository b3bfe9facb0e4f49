package config

import (
	"io"
	"log/slog"
	"strings"
)

// SlogLevel maps the configured level onto slog. Unknown values mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to w. Debug level also turns on
// source locations.
func NewLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.SlogLevel(),
		AddSource: cfg.SlogLevel() == slog.LevelDebug,
	}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Environment names the deployment for startup logs.
func (c *Config) Environment() string {
	switch {
	case c.IsDevelopment():
		return "development"
	case c.IsProduction():
		return "production"
	default:
		return "unknown"
	}
}
