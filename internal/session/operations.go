package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/queue"
	"github.com/workspace/agent-client/internal/stream"
)

// SendResult describes what SendMessage did with a message.
type SendResult struct {
	MessageID string
	// Queued is set when the agent was busy and the message waits in its
	// queue.
	Queued bool
}

// pendingSend is a message already appended optimistically and waiting to
// be written to the host.
type pendingSend struct {
	op  string
	msg queue.Message
	// requeue puts the message back at the front of the queue on failure.
	requeue bool
}

func (s *Store) beginOp(ctx context.Context, kind OpKind, agentID string) string {
	id := uuid.NewString()
	s.apply(ctx, func(st *State, _ *effects) { s.addOp(st, id, kind, agentID) })
	return id
}

func (s *Store) addOp(st *State, id string, kind OpKind, agentID string) {
	st.Operations = withOperation(st.Operations, Operation{
		ID:        id,
		Kind:      kind,
		AgentID:   agentID,
		Status:    OpPending,
		StartedAt: s.opts.Now(),
	})
}

func (s *Store) settleOp(st *State, id string, err error) {
	op, ok := st.Operations[id]
	if !ok {
		return
	}
	now := s.opts.Now()
	op.SettledAt = &now
	op.Status = OpConfirmed
	if err != nil {
		op.Status = OpFailed
		op.Error = err.Error()
	}
	st.Operations = withOperation(st.Operations, op)
}

// beginSend appends msg optimistically to the agent's transcript and
// registers its operation.
func (s *Store) beginSend(st *State, agentID string, msg queue.Message, kind OpKind, requeue bool) pendingSend {
	p := pendingSend{op: uuid.NewString(), msg: msg, requeue: requeue}
	s.addOp(st, p.op, kind, agentID)
	s.reduce(st, agentID, stream.Event{
		Type:       stream.EventUserMessage,
		ID:         msg.ID,
		Text:       msg.Text,
		Images:     msg.Images,
		Optimistic: true,
	})
	now := s.opts.Now()
	st.Agents, _ = st.Agents.Update(agentID, func(a agents.Agent) agents.Agent {
		a.LastUserMessageAt = &now
		a.LastActivityAt = now
		return a
	})
	return p
}

// finishSend writes a pending message. On failure the optimistic item is
// removed and, for queued messages, the message returns to the front of
// its queue.
func (s *Store) finishSend(ctx context.Context, agentID string, p pendingSend) error {
	err := s.send(ctx, protocol.SendMessage{
		Type:      protocol.MsgSendMessage,
		AgentID:   agentID,
		MessageID: p.msg.ID,
		Text:      p.msg.Text,
		Images:    p.msg.Images,
	})
	s.settleSend(ctx, agentID, p, err)
	return err
}

// settleSend settles p's operation, compensating when err is non-nil.
func (s *Store) settleSend(ctx context.Context, agentID string, p pendingSend, err error) {
	s.apply(ctx, func(st *State, _ *effects) {
		if err != nil {
			dropItem(st, agentID, p.msg.ID)
			if _, ok := st.Agents.Get(agentID); ok && p.requeue {
				st.Queue = st.Queue.PushFront(agentID, p.msg)
			}
		}
		s.settleOp(st, p.op, err)
	})
	if err != nil {
		s.log.Warn("Session: message send failed", "agentID", agentID, "messageID", p.msg.ID, "requeued", p.requeue, "error", err)
	}
}

// SendMessage sends text to an agent. The message shows in the transcript
// immediately. When the agent is running it is queued instead and sent
// after the run ends. A failed send returns a *SendError.
func (s *Store) SendMessage(ctx context.Context, agentID, text string, images []stream.Image) (SendResult, error) {
	if strings.TrimSpace(text) == "" && len(images) == 0 {
		return SendResult{}, ErrEmptyMessage
	}

	var (
		res SendResult
		p   *pendingSend
		err error
	)
	s.apply(ctx, func(st *State, _ *effects) {
		a, ok := st.Agents.Get(agentID)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		if a.Status.Busy() {
			q, msg, qerr := st.Queue.Enqueue(agentID, text, images)
			if qerr != nil {
				err = qerr
				return
			}
			st.Queue = q
			st.Drafts = without(st.Drafts, agentID)
			res = SendResult{MessageID: msg.ID, Queued: true}
			return
		}
		msg := queue.Message{ID: uuid.NewString(), Text: text, Images: slices.Clone(images)}
		ps := s.beginSend(st, agentID, msg, OpSendMessage, false)
		p = &ps
		st.Drafts = without(st.Drafts, agentID)
		res = SendResult{MessageID: msg.ID}
	})
	if err != nil || p == nil {
		return res, err
	}

	if err := s.finishSend(ctx, agentID, *p); err != nil {
		return SendResult{}, &SendError{AgentID: agentID, MessageID: p.msg.ID, Text: text, Images: images, Err: err}
	}
	return res, nil
}

// SendQueuedNow takes a queued message out of line and delivers it,
// interrupting the agent's current run first. If delivery fails the
// message goes back to the front of the queue.
func (s *Store) SendQueuedNow(ctx context.Context, agentID, messageID string) error {
	var (
		p    pendingSend
		busy bool
		err  error
	)
	s.apply(ctx, func(st *State, _ *effects) {
		a, ok := st.Agents.Get(agentID)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		q, msg, ok := st.Queue.RemoveByID(agentID, messageID)
		if !ok {
			err = ErrNotQueued
			return
		}
		st.Queue = q
		busy = a.Status.Busy()
		p = s.beginSend(st, agentID, msg, OpSendNow, true)
	})
	if err != nil {
		return err
	}

	if busy {
		cancel := protocol.AgentCommand{Type: protocol.MsgCancelRun, AgentID: agentID}
		if err := s.send(ctx, cancel); err != nil {
			s.settleSend(ctx, agentID, p, err)
			return err
		}
	}
	return s.finishSend(ctx, agentID, p)
}

// RemoveQueued drops a queued message without sending it.
func (s *Store) RemoveQueued(agentID, messageID string) bool {
	removed := false
	s.apply(s.ctx, func(st *State, _ *effects) {
		q, _, ok := st.Queue.RemoveByID(agentID, messageID)
		if ok {
			st.Queue, removed = q, true
		}
	})
	return removed
}

// command runs a fire-and-forget operation on an existing agent. prepare
// runs before the send and may return a compensation applied if the send
// fails; done runs after a successful send.
func (s *Store) command(ctx context.Context, kind OpKind, agentID string, msg any,
	prepare func(st *State, a agents.Agent) (undo func(st *State), err error),
	done func(st *State),
) error {
	var (
		op   = uuid.NewString()
		undo func(st *State)
		err  error
	)
	s.apply(ctx, func(st *State, _ *effects) {
		a, ok := st.Agents.Get(agentID)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
			return
		}
		if prepare != nil {
			if undo, err = prepare(st, a); err != nil {
				return
			}
		}
		s.addOp(st, op, kind, agentID)
	})
	if err != nil {
		return err
	}

	sendErr := s.send(ctx, msg)
	s.apply(ctx, func(st *State, _ *effects) {
		if sendErr != nil {
			if undo != nil {
				undo(st)
			}
		} else if done != nil {
			done(st)
		}
		s.settleOp(st, op, sendErr)
	})
	if sendErr != nil {
		s.log.Warn("Session: operation failed", "op", kind, "agentID", agentID, "error", sendErr)
		return fmt.Errorf("%s: %w", kind, sendErr)
	}
	return nil
}

// CancelRun interrupts the agent's current run.
func (s *Store) CancelRun(ctx context.Context, agentID string) error {
	return s.command(ctx, OpCancelRun, agentID,
		protocol.AgentCommand{Type: protocol.MsgCancelRun, AgentID: agentID}, nil, nil)
}

// DeleteAgent deletes the agent on the host and, once sent, removes it and
// everything keyed by it locally.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	return s.command(ctx, OpDeleteAgent, agentID,
		protocol.AgentCommand{Type: protocol.MsgDeleteAgent, AgentID: agentID}, nil,
		func(st *State) { s.removeAgent(st, agentID) })
}

// ArchiveAgent marks the agent archived. Its transcript and queue stay.
func (s *Store) ArchiveAgent(ctx context.Context, agentID string) error {
	return s.command(ctx, OpArchiveAgent, agentID,
		protocol.AgentCommand{Type: protocol.MsgArchiveAgent, AgentID: agentID}, nil,
		func(st *State) {
			now := s.opts.Now()
			st.Agents, _ = st.Agents.Update(agentID, func(a agents.Agent) agents.Agent {
				return agents.Archive(a, now)
			})
		})
}

// SetMode switches the agent's mode immediately and restores the previous
// mode if the host cannot be told.
func (s *Store) SetMode(ctx context.Context, agentID, modeID string) error {
	return s.command(ctx, OpSetMode, agentID,
		protocol.SetMode{Type: protocol.MsgSetMode, AgentID: agentID, ModeID: modeID},
		func(st *State, a agents.Agent) (func(*State), error) {
			if len(a.AvailableModes) > 0 && !a.HasMode(modeID) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownMode, modeID)
			}
			prev := a.CurrentModeID
			st.Agents, _ = st.Agents.Update(agentID, func(a agents.Agent) agents.Agent {
				a.CurrentModeID = modeID
				return a
			})
			return func(st *State) {
				st.Agents, _ = st.Agents.Update(agentID, func(a agents.Agent) agents.Agent {
					if a.CurrentModeID == modeID {
						a.CurrentModeID = prev
					}
					return a
				})
			}, nil
		}, nil)
}

// RespondToPermission answers a pending permission request. requestID may
// be the request's own id or its derived key.
func (s *Store) RespondToPermission(ctx context.Context, agentID, requestID string, decision protocol.PermissionDecision) error {
	entry, ok := s.Snapshot().Permissions.Find(agentID, requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, requestID)
	}
	wireID := entry.Request.ID
	if wireID == "" {
		wireID = requestID
	}
	return s.command(ctx, OpRespond, agentID,
		protocol.PermissionResponse{
			Type:      protocol.MsgPermissionResponse,
			AgentID:   agentID,
			RequestID: wireID,
			Response:  decision,
		}, nil,
		func(st *State) {
			st.Permissions, _ = st.Permissions.Resolve(agentID, entry.Key)
			syncPending(st, agentID)
		})
}

// ClearAttention clears the agent's attention flag locally and tells the
// host.
func (s *Store) ClearAttention(ctx context.Context, agentID string) error {
	return s.command(ctx, OpClearAttention, agentID,
		protocol.AgentCommand{Type: protocol.MsgClearAttention, AgentID: agentID},
		func(st *State, a agents.Agent) (func(*State), error) {
			if a.RequiresAttention {
				st.Agents = st.Agents.Put(agents.ClearAttention(a))
			}
			return nil, nil
		}, nil)
}

// SetDraft stores unsent input for an agent. Empty input clears it.
func (s *Store) SetDraft(agentID, text string, images []stream.Image) {
	s.apply(s.ctx, func(st *State, _ *effects) {
		if text == "" && len(images) == 0 {
			st.Drafts = without(st.Drafts, agentID)
			return
		}
		st.Drafts = with(st.Drafts, agentID, Draft{Text: text, Images: slices.Clone(images)})
	})
}
