package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/workspace/agent-client/internal/acp"
	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/audio"
	"github.com/workspace/agent-client/internal/correlator"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/stream"
)

// Handle applies one inbound frame. Frames are expected in arrival order
// from a single reader.
func (s *Store) Handle(ctx context.Context, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.SessionState:
		s.apply(ctx, func(st *State, fx *effects) {
			s.replaceAgents(st, fx, m.Agents, m.Commands)
			st.Connection = st.Connection.AgentListReceived()
		})

	case protocol.AgentUpdate:
		s.apply(ctx, func(st *State, fx *effects) { s.upsertAgent(st, fx, m.Agent) })

	case protocol.AgentStream:
		return s.handleStream(ctx, m)

	case protocol.AgentStreamSnapshot:
		s.apply(ctx, func(st *State, _ *effects) {
			if !s.acceptsAgent(st, m.AgentID) {
				return
			}
			tail, head := stream.HydrateState(m.Events)
			local := st.Streams[m.AgentID]
			merged := stream.MergeSnapshot(stream.Fold(tail, head), local.Tail, local.Head)
			st.Streams = with(st.Streams, m.AgentID, Transcript{Tail: merged})
		})

	case protocol.PermissionRequest:
		s.apply(ctx, func(st *State, _ *effects) {
			if !s.acceptsAgent(st, m.AgentID) {
				return
			}
			set, added := st.Permissions.Add(m.AgentID, m.Request)
			st.Permissions = set
			syncPending(st, m.AgentID)
			if added {
				s.log.Info("Session: permission requested", "agentID", m.AgentID, "tool", m.Request.Name)
			}
		})

	case protocol.PermissionResolved:
		s.apply(ctx, func(st *State, _ *effects) {
			if set, ok := st.Permissions.Resolve(m.AgentID, m.RequestID); ok {
				st.Permissions = set
				syncPending(st, m.AgentID)
			}
		})

	case protocol.AudioOutput:
		// Playback reports its state through OnPlaying, which takes the
		// store lock, so the chunk is handed over without holding it.
		s.audio.OnChunk(s.ctx, audio.Chunk{
			GroupID: m.GroupID,
			Index:   m.ChunkIndex,
			Payload: m.Audio,
			Format:  m.Format,
			ChunkID: m.ChunkID,
			IsLast:  m.IsLastChunk,
		})

	case protocol.AgentDeleted:
		s.apply(ctx, func(st *State, _ *effects) { s.removeAgent(st, m.AgentID) })

	case protocol.AgentArchived:
		at := m.ArchivedAt
		if at.IsZero() {
			at = s.opts.Now()
		}
		s.apply(ctx, func(st *State, _ *effects) {
			st.Agents, _ = st.Agents.Update(m.AgentID, func(a agents.Agent) agents.Agent {
				return agents.Archive(a, at)
			})
		})

	case protocol.StatusMessage:
		s.handleStatus(ctx, m)

	case protocol.Response:
		delivered := s.hub.Deliver(correlator.Response{
			Type:      string(m.Kind),
			RequestID: m.RequestID,
			Error:     m.Error,
			Payload:   m.Raw,
		})
		if !delivered {
			s.log.Debug("Session: dropping unmatched response", "type", m.Kind, "requestID", m.RequestID)
		}

	default:
		// Every variant of protocol.Inbound is handled above.
		return fmt.Errorf("%w: %T", protocol.ErrUnknownType, msg)
	}
	return nil
}

func (s *Store) handleStream(ctx context.Context, m protocol.AgentStream) error {
	var notif *acp.Notification
	if m.Event == nil && len(m.Notification) > 0 {
		n, err := acp.ParseNotification(m.Notification)
		if err != nil {
			return err
		}
		notif = &n
	}

	s.apply(ctx, func(st *State, _ *effects) {
		if !s.acceptsAgent(st, m.AgentID) {
			return
		}
		if m.Event != nil {
			s.reduce(st, m.AgentID, *m.Event)
			return
		}
		if notif != nil {
			turnID := openTurnID(st.Streams[m.AgentID].Tail)
			if turnID == "" {
				turnID = "turn-" + uuid.NewString()
			}
			s.reduce(st, m.AgentID, acp.EventsFromNotification(*notif, turnID)...)
		}
		if a, ok := st.Agents.Get(m.AgentID); ok {
			a.LastActivityAt = s.opts.Now()
			st.Agents = st.Agents.Put(a)
		}
	})
	return nil
}

// acceptsAgent reports whether stream data or a permission request for
// agentID should be kept. Before the agent list is ready any agent is
// accepted; afterwards data for unknown agents is dropped so a deleted
// agent is not resurrected by a late event.
func (s *Store) acceptsAgent(st *State, agentID string) bool {
	if agentID == "" {
		return false
	}
	if _, ok := st.Agents.Get(agentID); ok || !st.Connection.AgentListReady {
		return true
	}
	s.log.Debug("Session: dropping data for unknown agent", "agentID", agentID)
	return false
}

func openTurnID(tail []stream.Item) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Kind == stream.KindAssistantMessage && tail[i].Streaming {
			return tail[i].TurnID
		}
	}
	return ""
}

func (s *Store) handleStatus(ctx context.Context, m protocol.StatusMessage) {
	switch m.Status {
	case protocol.StatusAgentInitialized:
		s.apply(ctx, func(st *State, _ *effects) {
			st.Initializing = without(st.Initializing, m.AgentID)
		})
	case protocol.StatusAgentCreated:
		s.apply(ctx, func(st *State, _ *effects) {
			if m.AgentID != "" {
				st.Initializing = with(st.Initializing, m.AgentID, true)
			}
		})
	case protocol.StatusError:
		s.log.Warn("Session: host reported error", "agentID", m.AgentID, "message", m.Message)
		if m.AgentID == "" {
			return
		}
		s.apply(ctx, func(st *State, _ *effects) {
			st.Agents, _ = st.Agents.Update(m.AgentID, func(a agents.Agent) agents.Agent {
				a.LastError = m.Message
				return a
			})
			st.Initializing = without(st.Initializing, m.AgentID)
		})
	default:
		s.log.Debug("Session: ignoring status", "status", m.Status, "agentID", m.AgentID)
	}
}
