package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/workspace/agent-client/internal/connection"
)

// TransitionSink logs connection transitions. Transitions into the error
// state log at warn, everything else at info.
type TransitionSink struct {
	Logger *slog.Logger
}

func (s TransitionSink) ConnectionTransition(ev connection.TransitionEvent) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if ev.Severity == connection.SeverityWarn {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event", ev.Event),
		slog.String("connectionId", ev.ConnectionID),
		slog.String("from", string(ev.From)),
		slog.String("to", string(ev.To)),
		slog.String("lastError", ev.LastError),
		slog.Time("timestamp", ev.Timestamp),
		slog.String("severity", string(ev.Severity)),
	}
	if ev.LastOnlineAt != nil {
		attrs = append(attrs, slog.String("lastOnlineAt", ev.LastOnlineAt.UTC().Format(time.RFC3339)))
	}
	logger.LogAttrs(context.Background(), level, "Connection: state changed", attrs...)
}
