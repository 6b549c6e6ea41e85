// Package connection tracks the lifecycle of one host connection.
package connection

import (
	"errors"
	"time"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

var (
	ErrMissingOnlineTimestamp = errors.New("online transition requires lastOnlineAt")
	ErrMissingErrorMessage    = errors.New("error transition requires a message")
)

// Record is the immutable state of one connection. Transitions return a
// new Record.
type Record struct {
	Status       Status     `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
	LastOnlineAt *time.Time `json:"lastOnlineAt,omitempty"`

	// AgentListReady is true once the current online period produced an
	// agent list. It is always false outside StatusOnline.
	AgentListReady bool `json:"agentListReady"`
	// HasEverReceivedAgentList survives reconnects.
	HasEverReceivedAgentList bool `json:"hasEverReceivedAgentList"`
}

// New returns an idle record.
func New() Record {
	return Record{Status: StatusIdle}
}

// Connecting keeps lastOnlineAt and clears the error.
func (r Record) Connecting() Record {
	r.Status = StatusConnecting
	r.LastError = ""
	r.AgentListReady = false
	return r
}

// Online enters the online state at the given time. The agent list is
// ready only when the caller carries readiness forward.
func (r Record) Online(at time.Time, carryReady bool) (Record, error) {
	if at.IsZero() {
		return r, ErrMissingOnlineTimestamp
	}
	r.Status = StatusOnline
	r.LastError = ""
	r.LastOnlineAt = &at
	r.AgentListReady = carryReady
	return r, nil
}

// Offline clears readiness and keeps lastOnlineAt.
func (r Record) Offline() Record {
	r.Status = StatusOffline
	r.AgentListReady = false
	return r
}

// Failed enters the error state with msg.
func (r Record) Failed(msg string) (Record, error) {
	if msg == "" {
		return r, ErrMissingErrorMessage
	}
	r.Status = StatusError
	r.LastError = msg
	r.AgentListReady = false
	return r, nil
}

// Reset returns to idle. Only the sticky flag is kept.
func (r Record) Reset() Record {
	return Record{Status: StatusIdle, HasEverReceivedAgentList: r.HasEverReceivedAgentList}
}

// AgentListReceived marks the list ready. It has no effect outside the
// online state.
func (r Record) AgentListReceived() Record {
	if r.Status != StatusOnline {
		return r
	}
	r.AgentListReady = true
	r.HasEverReceivedAgentList = true
	return r
}

// IsOnline reports whether the record is in the online state.
func (r Record) IsOnline() bool { return r.Status == StatusOnline }

// observable reports whether the fields reported to the sink differ.
func observable(a, b Record) bool {
	if a.Status != b.Status || a.LastError != b.LastError {
		return true
	}
	switch {
	case a.LastOnlineAt == nil && b.LastOnlineAt == nil:
		return false
	case a.LastOnlineAt == nil || b.LastOnlineAt == nil:
		return true
	}
	return !a.LastOnlineAt.Equal(*b.LastOnlineAt)
}
