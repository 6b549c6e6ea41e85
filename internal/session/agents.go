package session

import (
	"context"
	"slices"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/cache"
	"github.com/workspace/agent-client/internal/permission"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/queue"
	"github.com/workspace/agent-client/internal/stream"
)

// The helpers in this file run with the store lock held and only replace
// State fields with new values.

// replaceAgents installs a full agent list. Agents and permissions are
// replaced as a whole; transcripts, queues and drafts are kept. The list
// and commands are written to the cache afterwards.
func (s *Store) replaceAgents(st *State, fx *effects, list []agents.Agent, commands []protocol.Command) {
	list = s.stamp(list)
	prev := st.Agents

	st.Agents = agents.NewMap(list)
	st.Permissions = permission.FromAgents(list)
	st.Commands = slices.Clone(commands)
	st.CachedAt = nil

	for _, a := range list {
		prevStatus := agents.Status("")
		if old, ok := prev.Get(a.ID); ok {
			prevStatus = old.Status
		}
		s.statusChanged(st, fx, prevStatus, a)
	}

	snap := cache.Snapshot{Agents: st.Agents.List(), Commands: st.Commands, SavedAt: s.opts.Now()}
	fx.add(func(ctx context.Context) { s.saveCache(ctx, snap) })
}

// upsertAgent replaces one agent by id. Permission requests listed on the
// agent are merged into the permission set.
func (s *Store) upsertAgent(st *State, fx *effects, a agents.Agent) {
	if a.ID == "" {
		return
	}
	if a.ConnectionID == "" {
		a.ConnectionID = s.opts.ConnectionID
	}
	prevStatus := agents.Status("")
	if old, ok := st.Agents.Get(a.ID); ok {
		prevStatus = old.Status
	}

	st.Agents = st.Agents.Put(a)
	perms := st.Permissions
	for _, req := range a.PendingPermissions {
		perms, _ = perms.Add(a.ID, req)
	}
	st.Permissions = perms
	syncPending(st, a.ID)

	s.statusChanged(st, fx, prevStatus, a)
}

// statusChanged reacts to an agent's status moving from prev to a.Status.
// Leaving running settles any open turn and flushes one queued message.
func (s *Store) statusChanged(st *State, fx *effects, prev agents.Status, a agents.Agent) {
	if a.Status != agents.StatusInitializing {
		st.Initializing = without(st.Initializing, a.ID)
	}
	if !queue.ShouldFlush(prev, a.Status) {
		return
	}

	if t, ok := st.Streams[a.ID]; ok && (stream.TurnOpen(t.Tail) || len(t.Head) > 0) {
		r := stream.Reduce(t.Tail, t.Head, stream.Event{Type: stream.EventTurnCompleted}, s.opts.Now())
		st.Streams = with(st.Streams, a.ID, Transcript{Tail: r.Tail, Head: r.Head})
	}

	q, msg, ok := st.Queue.PopFront(a.ID)
	if !ok {
		return
	}
	st.Queue = q
	p := s.beginSend(st, a.ID, msg, OpFlushQueued, true)
	s.log.Info("Session: flushing queued message", "agentID", a.ID, "messageID", msg.ID, "remaining", q.Len(a.ID))
	fx.add(func(ctx context.Context) { _ = s.finishSend(ctx, a.ID, p) })
}

// removeAgent deletes the agent and everything keyed by it.
func (s *Store) removeAgent(st *State, agentID string) {
	st.Agents = st.Agents.Delete(agentID)
	st.Streams = without(st.Streams, agentID)
	st.Queue = st.Queue.DropAgent(agentID)
	st.Drafts = without(st.Drafts, agentID)
	st.Permissions = st.Permissions.DropAgent(agentID)
	st.GitDiffs = without(st.GitDiffs, agentID)
	st.Explorer = without(st.Explorer, agentID)
	st.Initializing = without(st.Initializing, agentID)
}

// syncPending copies the permission set's entries for agentID onto the
// agent's denormalized PendingPermissions.
func syncPending(st *State, agentID string) {
	reqs := st.Permissions.Requests(agentID)
	st.Agents, _ = st.Agents.Update(agentID, func(a agents.Agent) agents.Agent {
		a.PendingPermissions = reqs
		return a
	})
}

// reduce applies events to the agent's transcript.
func (s *Store) reduce(st *State, agentID string, events ...stream.Event) {
	t := st.Streams[agentID]
	now := s.opts.Now()
	changed := false
	for _, ev := range events {
		r := stream.Reduce(t.Tail, t.Head, ev, now)
		if r.TailChanged || r.HeadChanged {
			t = Transcript{Tail: r.Tail, Head: r.Head}
			changed = true
		}
	}
	if changed {
		st.Streams = with(st.Streams, agentID, t)
	}
}

// dropItem removes an item from the agent's tail or head.
func dropItem(st *State, agentID, itemID string) {
	t, ok := st.Streams[agentID]
	if !ok {
		return
	}
	if tail, removed := stream.Remove(t.Tail, itemID); removed {
		t.Tail = tail
	} else if head, removed := stream.Remove(t.Head, itemID); removed {
		t.Head = head
	} else {
		return
	}
	st.Streams = with(st.Streams, agentID, t)
}
