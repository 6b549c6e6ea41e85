package connection

import "time"

type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
)

// TransitionEvent is emitted for each observable connection transition.
type TransitionEvent struct {
	Event        string     `json:"event"`
	ConnectionID string     `json:"connectionId"`
	From         Status     `json:"from"`
	To           Status     `json:"to"`
	LastError    string     `json:"lastError,omitempty"`
	LastOnlineAt *time.Time `json:"lastOnlineAt,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	Severity     Severity   `json:"severity"`
}

// Sink receives transition events.
type Sink interface {
	ConnectionTransition(TransitionEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(TransitionEvent)

func (f SinkFunc) ConnectionTransition(ev TransitionEvent) { f(ev) }

// MultiSink fans an event out to every non-nil sink.
type MultiSink []Sink

func (m MultiSink) ConnectionTransition(ev TransitionEvent) {
	for _, s := range m {
		if s != nil {
			s.ConnectionTransition(ev)
		}
	}
}

// Report emits a TransitionEvent when from and to differ in status, last
// error or lastOnlineAt. It returns whether an event was emitted.
func Report(sink Sink, connectionID string, from, to Record, now time.Time) bool {
	if !observable(from, to) {
		return false
	}
	if sink == nil {
		return true
	}
	sev := SeverityInfo
	if to.Status == StatusError {
		sev = SeverityWarn
	}
	sink.ConnectionTransition(TransitionEvent{
		Event:        "connection_transition",
		ConnectionID: connectionID,
		From:         from.Status,
		To:           to.Status,
		LastError:    to.LastError,
		LastOnlineAt: to.LastOnlineAt,
		Timestamp:    now,
		Severity:     sev,
	})
	return true
}
