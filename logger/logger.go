// Package logger builds the structured loggers used across sentinel.
//
// The API is log/slog; records are rendered by a charmbracelet/log handler so
// development output is readable and production output can be JSON.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Config controls logger construction.
type Config struct {
	Level      string    `koanf:"level"       validate:"omitempty,oneof=debug info warn error"`
	JSON       bool      `koanf:"json"`
	AddSource  bool      `koanf:"add_source"`
	TimeFormat string    `koanf:"time_format"`
	Output     io.Writer `koanf:"-"`
}

// DefaultConfig returns an info-level text logger on stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		TimeFormat: "15:04:05",
		Output:     os.Stderr,
	}
}

// New returns a slog.Logger backed by a charm handler.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level, err := charmlog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = charmlog.InfoLevel
	}
	h := charmlog.NewWithOptions(out, charmlog.Options{
		ReportCaller:    cfg.AddSource,
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		Level:           level,
	})
	if cfg.JSON {
		h.SetFormatter(charmlog.JSONFormatter)
	} else {
		h.SetFormatter(charmlog.TextFormatter)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// NewForTests returns a debug logger that writes nowhere unless w is given.
func NewForTests(w ...io.Writer) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.Output = io.Discard
	if len(w) > 0 {
		cfg.Output = w[0]
	}
	return New(cfg)
}

type ctxKey struct{}

// ContextWithLogger stores a request-scoped logger.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or fallback when none is set.
// A nil fallback yields a discard logger.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return Discard()
}
