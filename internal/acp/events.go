// Package acp converts ACP session notifications carried in agent_stream
// frames into stream events.
package acp

import (
	"encoding/json"
	"fmt"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/workspace/agent-client/internal/stream"
)

// Notification is an ACP session notification.
type Notification = acpsdk.SessionNotification

// ParseNotification decodes a raw ACP session notification.
func ParseNotification(raw json.RawMessage) (Notification, error) {
	var notif Notification
	if err := json.Unmarshal(raw, &notif); err != nil {
		return notif, fmt.Errorf("parse ACP notification: %w", err)
	}
	return notif, nil
}

// EventsFromNotification converts one ACP SessionNotification into zero or
// more stream events for the turn identified by turnID.
//
// Thought chunks and plan updates produce nothing. Assistant chunks carry
// no item id, so the reducer coalesces them into the turn's open message.
func EventsFromNotification(notif acpsdk.SessionNotification, turnID string) []stream.Event {
	u := notif.Update
	var events []stream.Event

	if u.UserMessageChunk != nil {
		if text := contentBlockText(u.UserMessageChunk.Content); text != "" {
			events = append(events, stream.Event{
				Type: stream.EventUserMessage,
				ID:   uuid.NewString(),
				Text: text,
			})
		}
	}

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			events = append(events, stream.Event{
				Type:   stream.EventAssistantDelta,
				ID:     uuid.NewString(),
				TurnID: turnID,
				Text:   text,
			})
		}
	}

	if u.ToolCall != nil {
		callID := string(u.ToolCall.ToolCallId)
		events = append(events, stream.Event{
			Type:     stream.EventToolCall,
			ID:       callID,
			CallID:   callID,
			TurnID:   turnID,
			ToolName: string(u.ToolCall.Kind),
			Input:    marshalRaw(u.ToolCall.RawInput),
		})
		if ev, ok := outcome(callID, turnID, string(u.ToolCall.Status), u.ToolCall.Content, u.ToolCall.RawOutput); ok {
			events = append(events, ev)
		}
	}

	if u.ToolCallUpdate != nil && u.ToolCallUpdate.Status != nil {
		callID := string(u.ToolCallUpdate.ToolCallId)
		if ev, ok := outcome(callID, turnID, string(*u.ToolCallUpdate.Status), u.ToolCallUpdate.Content, u.ToolCallUpdate.RawOutput); ok {
			events = append(events, ev)
		}
	}

	return events
}

// outcome builds the terminal event for a tool call status, if terminal.
func outcome(callID, turnID, status string, contents []acpsdk.ToolCallContent, rawOutput any) (stream.Event, bool) {
	ev := stream.Event{CallID: callID, TurnID: turnID}
	switch status {
	case string(acpsdk.ToolCallStatusCompleted):
		ev.Type = stream.EventToolResult
		ev.Result = marshalRaw(rawOutput)
		if len(ev.Result) == 0 {
			if text := toolCallContentsText(contents); text != "" {
				ev.Result = marshalRaw(text)
			}
		}
	case "failed":
		ev.Type = stream.EventToolError
		ev.Error = toolCallContentsText(contents)
		if ev.Error == "" {
			ev.Error = "tool call failed"
		}
	default:
		return ev, false
	}
	ev.ID = callID + ":" + status
	return ev, true
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return nil
	}
	return data
}

func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func toolCallContentsText(contents []acpsdk.ToolCallContent) string {
	var parts []string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			parts = append(parts, c.Content.Content.Text.Text)
		}
		if c.Diff != nil {
			parts = append(parts, "diff: "+c.Diff.Path)
		}
	}
	return strings.Join(parts, "\n")
}
