// Package stream reduces an agent's event feed into an ordered transcript.
//
// Reduce is pure: it never mutates the slices it is given. Callers hold on to
// the previous tail/head freely while a new pair is produced.
package stream

import (
	"encoding/json"
	"time"
)

// ItemKind tags the variant held by an Item.
type ItemKind string

const (
	KindUserMessage      ItemKind = "user_message"
	KindAssistantMessage ItemKind = "assistant_message"
	KindToolCall         ItemKind = "tool_call"
	KindActivity         ItemKind = "activity"
)

// ToolStatus is the sub-state of a tool_call item.
type ToolStatus string

const (
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ActivityLevel classifies activity annotations.
type ActivityLevel string

const (
	LevelSystem ActivityLevel = "system"
	LevelInfo   ActivityLevel = "info"
	LevelError  ActivityLevel = "error"
)

// Image is a pre-encoded attachment on a user message.
type Image struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// ToolCall holds the state of a tool invocation within a turn.
type ToolCall struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status ToolStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Item is one rendered unit of an agent transcript.
type Item struct {
	ID     string   `json:"id"`
	Kind   ItemKind `json:"kind"`
	TurnID string   `json:"turnId,omitempty"`
	Text   string   `json:"text,omitempty"`
	Images []Image  `json:"images,omitempty"`

	// Streaming is true while an assistant message can still receive deltas.
	Streaming bool `json:"streaming,omitempty"`
	// Optimistic marks a locally appended user message the host has not echoed yet.
	Optimistic bool `json:"optimistic,omitempty"`

	Tool  *ToolCall     `json:"tool,omitempty"`
	Level ActivityLevel `json:"level,omitempty"`

	// LastSeq and AppliedDeltas record the deltas folded into an assistant
	// message so re-delivered deltas are ignored.
	LastSeq       uint64   `json:"lastSeq,omitempty"`
	AppliedDeltas []string `json:"appliedDeltas,omitempty"`
	// Settled is set on assistant messages once their turn has ended.
	Settled bool `json:"settled,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// EventType identifies a stream event.
type EventType string

const (
	EventUserMessage    EventType = "user_message"
	EventAssistantDelta EventType = "assistant_delta"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventToolError      EventType = "tool_error"
	EventActivity       EventType = "activity"
	EventTurnCompleted  EventType = "turn_completed"
	EventTurnFailed     EventType = "turn_failed"
	EventTurnCanceled   EventType = "turn_canceled"
)

// Event is one entry of an agent's stream feed.
type Event struct {
	Type EventType `json:"type"`
	// ID identifies the event. Item-creating events use it as the item id
	// unless ItemID is set.
	ID     string `json:"id,omitempty"`
	ItemID string `json:"itemId,omitempty"`
	// Seq is an optional per-agent sequence number assigned by the host.
	Seq    uint64 `json:"seq,omitempty"`
	TurnID string `json:"turnId,omitempty"`

	Text   string  `json:"text,omitempty"`
	Images []Image `json:"images,omitempty"`
	// Final marks the last delta of a turn.
	Final bool `json:"final,omitempty"`

	CallID   string          `json:"callId,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`

	Level     ActivityLevel `json:"level,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitzero"`

	// Optimistic is set only for local appends made before the host confirms.
	Optimistic bool `json:"-"`
}

func (e Event) itemID() string {
	if e.ItemID != "" {
		return e.ItemID
	}
	return e.ID
}

// IsTerminal reports whether the event settles the in-flight turn.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTurnCompleted, EventTurnFailed, EventTurnCanceled:
		return true
	case EventAssistantDelta:
		return e.Final
	}
	return false
}
