package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/stream"
)

func TestStreamSnapshotKeepsLocalPendingItems(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	ctx := context.Background()
	seed(t, s, agent("a1", agents.StatusIdle))

	res, err := s.SendMessage(ctx, "a1", "still sending", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	history := []stream.Event{
		{Type: stream.EventUserMessage, ID: "u0", Text: "earlier"},
		{Type: stream.EventAssistantDelta, ID: "d1", TurnID: "t0", Text: "done", Final: true},
	}
	if err := s.Handle(ctx, protocol.AgentStreamSnapshot{AgentID: "a1", Events: history}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	tr := s.Snapshot().Transcript("a1")
	if len(tr.Head) != 0 {
		t.Fatalf("head must be empty after a snapshot, got %+v", tr.Head)
	}
	if len(tr.Tail) != 3 {
		t.Fatalf("tail = %+v", tr.Tail)
	}
	if tr.Tail[0].ID != "u0" || tr.Tail[2].ID != res.MessageID || !tr.Tail[2].Optimistic {
		t.Fatalf("unexpected order: %+v", tr.Tail)
	}
}

func TestUserMessageMidTurnFoldsAfterCompletion(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	ctx := context.Background()
	seed(t, s, agent("a1", agents.StatusRunning))

	events := []stream.Event{
		{Type: stream.EventAssistantDelta, ID: "d1", TurnID: "t1", Text: "Hel"},
		{Type: stream.EventUserMessage, ID: "u1", Text: "also check the docs"},
		{Type: stream.EventAssistantDelta, ID: "d2", TurnID: "t1", Text: "lo"},
	}
	for i := range events {
		if err := s.Handle(ctx, protocol.AgentStream{AgentID: "a1", Event: &events[i]}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	tr := s.Snapshot().Transcript("a1")
	if len(tr.Tail) != 1 || tr.Tail[0].Text != "Hello" || len(tr.Head) != 1 {
		t.Fatalf("mid-turn transcript = %+v", tr)
	}

	// The agent leaving running settles the turn even without an explicit
	// terminal event.
	if err := s.Handle(ctx, protocol.AgentUpdate{Kind: protocol.MsgAgentState, Agent: agent("a1", agents.StatusIdle)}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tr = s.Snapshot().Transcript("a1")
	if len(tr.Head) != 0 || len(tr.Tail) != 2 || tr.Tail[1].ID != "u1" || tr.Tail[0].Streaming {
		t.Fatalf("after settle = %+v", tr)
	}
}

func TestACPNotificationsCoalesceIntoOneMessage(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	ctx := context.Background()
	seed(t, s, agent("a1", agents.StatusRunning))

	for _, text := range []string{"Reading ", "the ", "file"} {
		raw, _ := json.Marshal(map[string]any{
			"sessionId": "sess-1",
			"update": map[string]any{
				"sessionUpdate": "agent_message_chunk",
				"content":       map[string]any{"type": "text", "text": text},
			},
		})
		if err := s.Handle(ctx, protocol.AgentStream{AgentID: "a1", Notification: raw}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	tail := s.Snapshot().Transcript("a1").Tail
	if len(tail) != 1 || tail[0].Text != "Reading the file" {
		t.Fatalf("tail = %+v", tail)
	}

	if err := s.Handle(ctx, protocol.AgentStream{AgentID: "a1", Notification: json.RawMessage(`{"update":`)}); err == nil {
		t.Fatal("expected parse error for a truncated notification")
	}
}

func TestACPUserEchoConfirmsSentMessage(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	ctx := context.Background()
	seed(t, s, agent("a1", agents.StatusIdle))

	if _, err := s.SendMessage(ctx, "a1", "run the linter", nil); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	raw, _ := json.Marshal(map[string]any{
		"sessionId": "sess-1",
		"update": map[string]any{
			"sessionUpdate": "user_message_chunk",
			"content":       map[string]any{"type": "text", "text": "run the linter"},
		},
	})
	if err := s.Handle(ctx, protocol.AgentStream{AgentID: "a1", Notification: raw}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	tail := s.Snapshot().Transcript("a1").Tail
	if len(tail) != 1 {
		t.Fatalf("echo duplicated the message: %+v", tail)
	}
	if tail[0].Optimistic {
		t.Fatal("echo should confirm the sent message")
	}
}

func TestPermissionForDeletedAgentDropped(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	ctx := context.Background()
	s.Connecting()
	if err := s.Online(time.Now(), false); err != nil {
		t.Fatalf("Online: %v", err)
	}
	seed(t, s, agent("a1", agents.StatusRunning))
	if !s.Snapshot().Connection.AgentListReady {
		t.Fatal("agent list should be ready")
	}

	if err := s.Handle(ctx, protocol.AgentDeleted{AgentID: "a1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	late := protocol.PermissionRequest{
		AgentID: "a1",
		Request: agents.PermissionRequest{ID: "p1", Name: "Bash"},
	}
	if err := s.Handle(ctx, late); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := s.Snapshot().Permissions.Len(); n != 0 {
		t.Fatalf("permissions = %d, want 0", n)
	}
}

func TestPermissionResolvedEvent(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	ctx := context.Background()
	seed(t, s, agent("a1", agents.StatusRunning))

	req := agents.PermissionRequest{ID: "p1", Name: "Write", Title: "Edit main.go"}
	_ = s.Handle(ctx, protocol.PermissionRequest{AgentID: "a1", Request: req})
	_ = s.Handle(ctx, protocol.PermissionRequest{AgentID: "a1", Request: req})
	if n := s.Snapshot().Permissions.Len(); n != 1 {
		t.Fatalf("permissions = %d, want 1", n)
	}

	_ = s.Handle(ctx, protocol.PermissionResolved{AgentID: "a1", RequestID: "p1"})
	st := s.Snapshot()
	if st.Permissions.Len() != 0 {
		t.Fatal("permission not resolved")
	}
	a, _ := st.Agents.Get("a1")
	if len(a.PendingPermissions) != 0 {
		t.Fatalf("denormalized pending = %+v", a.PendingPermissions)
	}
}

func TestAgentArchivedEvent(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	seed(t, s, agent("a1", agents.StatusIdle))
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	_ = s.Handle(context.Background(), protocol.AgentArchived{AgentID: "a1", ArchivedAt: at})
	a, _ := s.Snapshot().Agents.Get("a1")
	if a.ArchivedAt == nil || !a.ArchivedAt.Equal(at) {
		t.Fatalf("archivedAt = %v", a.ArchivedAt)
	}
}

func TestStatusErrorRecordsAgentError(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	seed(t, s, agent("a1", agents.StatusFailed))

	_ = s.Handle(context.Background(), protocol.StatusMessage{Status: protocol.StatusError, AgentID: "a1", Message: "provider crashed"})
	a, _ := s.Snapshot().Agents.Get("a1")
	if a.LastError != "provider crashed" {
		t.Fatalf("lastError = %q", a.LastError)
	}
}

type unhandled struct{ protocol.StatusMessage }

func TestHandleRejectsUnknownVariant(t *testing.T) {
	s := newTestStore(t, newFakeHost(t), nil)
	if err := s.Handle(context.Background(), unhandled{}); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

type gatedPlayer struct {
	mu     sync.Mutex
	played [][]byte
	gate   chan struct{}
}

func (p *gatedPlayer) Play(ctx context.Context, format string, data []byte) error {
	<-p.gate
	p.mu.Lock()
	p.played = append(p.played, data)
	p.mu.Unlock()
	return nil
}

func TestAudioOutputPlaysAndAcks(t *testing.T) {
	h := newFakeHost(t)
	player := &gatedPlayer{gate: make(chan struct{})}
	s := newTestStore(t, h, func(o *Options) { o.Player = player })
	ctx := context.Background()

	parts := []string{"aa", "bb", "cc"}
	for i := len(parts) - 1; i >= 0; i-- {
		err := s.Handle(ctx, protocol.AudioOutput{
			GroupID:     "g1",
			ChunkIndex:  i,
			IsLastChunk: i == 0,
			Format:      "pcm",
			Audio:       base64.StdEncoding.EncodeToString([]byte(parts[i])),
			ChunkID:     "chunk-" + parts[i],
		})
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	waitFor(t, s, "playing", func(st State) bool { return st.AudioPlaying })
	close(player.gate)
	waitFor(t, s, "playback finished", func(st State) bool { return !st.AudioPlaying })
	s.audio.Wait()

	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.played) != 1 || string(player.played[0]) != "aabbcc" {
		t.Fatalf("played = %q", player.played)
	}
	acks := h.sentOf(protocol.MsgAudioAck)
	if len(acks) != 3 {
		t.Fatalf("acks = %d, want 3", len(acks))
	}
}
