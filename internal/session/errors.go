package session

import (
	"errors"
	"fmt"

	"github.com/workspace/agent-client/internal/stream"
)

var (
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrEmptyMessage      = errors.New("message has no text or images")
	ErrNotQueued         = errors.New("message is not queued")
	ErrUnknownPermission = errors.New("unknown permission request")
	ErrUnknownMode       = errors.New("mode not available for agent")
	ErrNoTransport       = errors.New("no transport attached")
	ErrClosed            = errors.New("session closed")
)

// SendError is returned when a message could not be delivered. The
// optimistic transcript entry has already been removed; Text and Images
// are handed back so the caller can restore the draft if it wants to.
type SendError struct {
	AgentID   string
	MessageID string
	Text      string
	Images    []stream.Image
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message to agent %s: %v", e.AgentID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
