package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

// ForChannel returns the global logger scoped to a single CAN channel, the
// way every per-channel worker (Reader, Fan-out, Decoder, Logger) identifies
// its log lines.
func ForChannel(channel string) *slog.Logger { return L().With("channel", channel) }

// ForComponent returns the global logger scoped to a named pipeline stage
// within a channel (e.g. "decoder", "asclog", "panda").
func ForComponent(channel, component string) *slog.Logger {
	return L().With("channel", channel, "component", component)
}
