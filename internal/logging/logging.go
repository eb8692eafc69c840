// Package logging provides the process-wide structured logger, adapted from
// the platform module's pkg/logger package: a slog.Logger behind a
// sync.Once-initialized singleton, configured once at startup and fetched
// everywhere else via Get().
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Config controls how the singleton logger is constructed.
type Config struct {
	Level     string // debug|info|warn|error
	Format    string // json|text
	AddSource bool
}

var (
	once   sync.Once
	global *slog.Logger
)

func levelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the global logger. Safe to call once at process start;
// subsequent calls are no-ops.
func Init(cfg Config) {
	once.Do(func() {
		opts := &slog.HandlerOptions{
			Level:     levelFromString(cfg.Level),
			AddSource: cfg.AddSource,
		}
		var handler slog.Handler
		if cfg.Format == "text" {
			handler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		global = slog.New(handler)
	})
}

// Get returns the global logger, initializing it with defaults if Init was
// never called (so packages used outside cmd/nexadb-server still log).
func Get() *slog.Logger {
	if global == nil {
		Init(Config{Level: "info", Format: "json"})
	}
	return global
}

func Debug(ctx context.Context, msg string, args ...any) { Get().DebugContext(ctx, msg, args...) }
func Info(ctx context.Context, msg string, args ...any)  { Get().InfoContext(ctx, msg, args...) }
func Warn(ctx context.Context, msg string, args ...any)  { Get().WarnContext(ctx, msg, args...) }
func Error(ctx context.Context, msg string, args ...any) { Get().ErrorContext(ctx, msg, args...) }
