// Package protocol defines the JSON frames exchanged with the host.
//
// Every frame is a flat object with a "type" discriminator. Inbound frames
// decode to one of the sealed Inbound variants; outbound frames are plain
// structs passed to Encode.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/stream"
)

// MessageType identifies a frame on the wire.
type MessageType string

// Inbound frame types.
const (
	MsgSessionState        MessageType = "session_state"
	MsgAgentState          MessageType = "agent_state"
	MsgAgentUpdate         MessageType = "agent_update"
	MsgAgentStream         MessageType = "agent_stream"
	MsgAgentStreamSnapshot MessageType = "agent_stream_snapshot"
	MsgPermissionRequest   MessageType = "agent_permission_request"
	MsgPermissionResolved  MessageType = "agent_permission_resolved"
	MsgAudioOutput         MessageType = "audio_output"
	MsgAgentDeleted        MessageType = "agent_deleted"
	MsgAgentArchived       MessageType = "agent_archived"
	MsgStatus              MessageType = "status"

	MsgAgentListResponse    MessageType = "agent_list_response"
	MsgRefreshAgentResponse MessageType = "refresh_agent_response"
	MsgGitDiffResponse      MessageType = "git_diff_response"
	MsgDirectoryResponse    MessageType = "directory_listing_response"
	MsgFilePreviewResponse  MessageType = "file_preview_response"
	MsgCreateAgentResponse  MessageType = "create_agent_response"
)

// Outbound frame types.
const (
	MsgSendMessage        MessageType = "send_agent_message"
	MsgCancelRun          MessageType = "cancel_agent_run"
	MsgCreateAgent        MessageType = "create_agent_request"
	MsgDeleteAgent        MessageType = "delete_agent"
	MsgArchiveAgent       MessageType = "archive_agent"
	MsgSetMode            MessageType = "set_agent_mode"
	MsgPermissionResponse MessageType = "agent_permission_response"
	MsgAudioAck           MessageType = "audio_chunk_ack"
	MsgClearAttention     MessageType = "clear_agent_attention"

	MsgFetchAgents   MessageType = "fetch_agents_request"
	MsgRefreshAgent  MessageType = "refresh_agent_request"
	MsgGitDiff       MessageType = "git_diff_request"
	MsgListDirectory MessageType = "directory_listing_request"
	MsgFilePreview   MessageType = "file_preview_request"
)

// Status values carried by MsgStatus frames.
const (
	StatusAgentInitialized = "agent_initialized"
	StatusAgentCreated     = "agent_created"
	StatusError            = "error"
)

// Command is a slash command the host advertises.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Argument    string `json:"argument,omitempty"`
}

// Inbound is implemented by every decoded inbound frame.
type Inbound interface {
	MessageType() MessageType
	inbound()
}

type SessionState struct {
	Agents   []agents.Agent `json:"agents"`
	Commands []Command      `json:"commands,omitempty"`
}

// AgentUpdate carries a full agent snapshot from agent_state or
// agent_update. Both replace the agent by id.
type AgentUpdate struct {
	Kind  MessageType  `json:"-"`
	Agent agents.Agent `json:"agent"`
}

// AgentStream carries one stream event, either native or as an ACP
// session notification.
type AgentStream struct {
	AgentID      string          `json:"agentId"`
	Event        *stream.Event   `json:"event,omitempty"`
	Notification json.RawMessage `json:"notification,omitempty"`
}

type AgentStreamSnapshot struct {
	AgentID string         `json:"agentId"`
	Events  []stream.Event `json:"events"`
}

type PermissionRequest struct {
	AgentID string                   `json:"agentId"`
	Request agents.PermissionRequest `json:"request"`
}

type PermissionResolved struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId"`
}

type AudioOutput struct {
	GroupID     string `json:"groupId"`
	ChunkIndex  int    `json:"chunkIndex"`
	IsLastChunk bool   `json:"isLastChunk"`
	Format      string `json:"format"`
	Audio       string `json:"audio"`
	ChunkID     string `json:"chunkId"`
}

type AgentDeleted struct {
	AgentID string `json:"agentId"`
}

type AgentArchived struct {
	AgentID    string    `json:"agentId"`
	ArchivedAt time.Time `json:"archivedAt,omitzero"`
}

// StatusMessage is a generic lifecycle acknowledgment.
type StatusMessage struct {
	Status  string `json:"status"`
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response answers a correlated request. Raw holds the whole frame so
// callers decode the type-specific fields themselves.
type Response struct {
	Kind      MessageType     `json:"-"`
	RequestID string          `json:"requestId"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

func (SessionState) MessageType() MessageType        { return MsgSessionState }
func (m AgentUpdate) MessageType() MessageType       { return m.Kind }
func (AgentStream) MessageType() MessageType         { return MsgAgentStream }
func (AgentStreamSnapshot) MessageType() MessageType { return MsgAgentStreamSnapshot }
func (PermissionRequest) MessageType() MessageType   { return MsgPermissionRequest }
func (PermissionResolved) MessageType() MessageType  { return MsgPermissionResolved }
func (AudioOutput) MessageType() MessageType         { return MsgAudioOutput }
func (AgentDeleted) MessageType() MessageType        { return MsgAgentDeleted }
func (AgentArchived) MessageType() MessageType       { return MsgAgentArchived }
func (StatusMessage) MessageType() MessageType       { return MsgStatus }
func (m Response) MessageType() MessageType          { return m.Kind }

func (SessionState) inbound()        {}
func (AgentUpdate) inbound()         {}
func (AgentStream) inbound()         {}
func (AgentStreamSnapshot) inbound() {}
func (PermissionRequest) inbound()   {}
func (PermissionResolved) inbound()  {}
func (AudioOutput) inbound()         {}
func (AgentDeleted) inbound()        {}
func (AgentArchived) inbound()       {}
func (StatusMessage) inbound()       {}
func (Response) inbound()            {}

// Response payloads.

type AgentListResult struct {
	Agents   []agents.Agent `json:"agents"`
	Commands []Command      `json:"commands,omitempty"`
}

type RefreshAgentResult struct {
	Agent agents.Agent `json:"agent"`
}

type GitDiffResult struct {
	AgentID string `json:"agentId"`
	Diff    string `json:"diff"`
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size,omitempty"`
}

type DirectoryListing struct {
	AgentID string     `json:"agentId"`
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

type FilePreview struct {
	AgentID  string `json:"agentId"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
	Binary   bool   `json:"binary,omitempty"`
}

type CreateAgentResult struct {
	Agent agents.Agent `json:"agent"`
}

// Outbound frames.

type SendMessage struct {
	Type      MessageType    `json:"type"`
	AgentID   string         `json:"agentId"`
	MessageID string         `json:"messageId"`
	Text      string         `json:"text"`
	Images    []stream.Image `json:"images,omitempty"`
}

type AgentCommand struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
}

type SetMode struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
	ModeID  string      `json:"modeId"`
}

// AgentConfig describes an agent to create.
type AgentConfig struct {
	Provider string `json:"provider"`
	Cwd      string `json:"cwd"`
	ModeID   string `json:"modeId,omitempty"`
	Model    string `json:"model,omitempty"`
	Title    string `json:"title,omitempty"`
}

type CreateAgent struct {
	Type          MessageType    `json:"type"`
	RequestID     string         `json:"requestId"`
	Config        AgentConfig    `json:"config"`
	InitialPrompt string         `json:"initialPrompt,omitempty"`
	Images        []stream.Image `json:"images,omitempty"`
}

// PermissionDecision is the user's answer to a permission request.
type PermissionDecision struct {
	Behavior string `json:"behavior"` // "allow" or "deny"
	OptionID string `json:"optionId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type PermissionResponse struct {
	Type      MessageType        `json:"type"`
	AgentID   string             `json:"agentId"`
	RequestID string             `json:"requestId"`
	Response  PermissionDecision `json:"response"`
}

type AudioAck struct {
	Type    MessageType `json:"type"`
	ChunkID string      `json:"chunkId"`
}

// Query is a correlated request addressed to an agent, optionally with a
// path.
type Query struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	AgentID   string      `json:"agentId,omitempty"`
	Path      string      `json:"path,omitempty"`
}
