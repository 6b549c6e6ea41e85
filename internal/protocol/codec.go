package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by Decode for frames with an unrecognized type.
var ErrUnknownType = errors.New("unknown message type")

// InboundTypes lists every inbound frame type Decode understands.
var InboundTypes = []MessageType{
	MsgSessionState, MsgAgentState, MsgAgentUpdate,
	MsgAgentStream, MsgAgentStreamSnapshot,
	MsgPermissionRequest, MsgPermissionResolved,
	MsgAudioOutput, MsgAgentDeleted, MsgAgentArchived, MsgStatus,
	MsgAgentListResponse, MsgRefreshAgentResponse, MsgGitDiffResponse,
	MsgDirectoryResponse, MsgFilePreviewResponse, MsgCreateAgentResponse,
}

// PeekType returns the "type" field of a frame.
func PeekType(data []byte) (MessageType, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	return probe.Type, nil
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case MsgSessionState:
		return decodeAs[SessionState](t, data)
	case MsgAgentState, MsgAgentUpdate:
		var m AgentUpdate
		if err := unmarshal(t, data, &m); err != nil {
			return nil, err
		}
		m.Kind = t
		return m, nil
	case MsgAgentStream:
		return decodeAs[AgentStream](t, data)
	case MsgAgentStreamSnapshot:
		return decodeAs[AgentStreamSnapshot](t, data)
	case MsgPermissionRequest:
		return decodeAs[PermissionRequest](t, data)
	case MsgPermissionResolved:
		return decodeAs[PermissionResolved](t, data)
	case MsgAudioOutput:
		return decodeAs[AudioOutput](t, data)
	case MsgAgentDeleted:
		return decodeAs[AgentDeleted](t, data)
	case MsgAgentArchived:
		return decodeAs[AgentArchived](t, data)
	case MsgStatus:
		return decodeAs[StatusMessage](t, data)
	case MsgAgentListResponse, MsgRefreshAgentResponse, MsgGitDiffResponse,
		MsgDirectoryResponse, MsgFilePreviewResponse, MsgCreateAgentResponse:
		var m Response
		if err := unmarshal(t, data, &m); err != nil {
			return nil, err
		}
		m.Kind = t
		m.Raw = append(json.RawMessage(nil), data...)
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func decodeAs[T Inbound](t MessageType, data []byte) (Inbound, error) {
	var m T
	if err := unmarshal(t, data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshal(t MessageType, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", t, err)
	}
	return nil
}

// Encode marshals an outbound frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
