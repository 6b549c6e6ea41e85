// Package logging configures log/slog for the client and provides the
// connection transition sink.
package logging

import (
	"io"
	"log"
	"log/slog"
	"strings"
)

// Level can be changed at runtime; every handler built by Setup reads it.
var Level slog.LevelVar

// Setup makes a slog logger writing to w the default. format is "text" or
// "json" (anything else); level is parsed by ParseLevel. Output from the
// standard "log" package is routed through the same logger.
func Setup(level, format string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: &Level}

	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(stdlibBridge{logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// stdlibBridge turns each log.Printf line into one slog record.
type stdlibBridge struct{ logger *slog.Logger }

func (b stdlibBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}

// ForConnection returns the default logger tagged with a connection id.
func ForConnection(connectionID string) *slog.Logger {
	return slog.Default().With("connectionID", connectionID)
}
