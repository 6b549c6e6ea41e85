package session

import (
	"maps"
	"sort"
	"time"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/connection"
	"github.com/workspace/agent-client/internal/permission"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/queue"
	"github.com/workspace/agent-client/internal/stream"
)

// Transcript is one agent's reduced stream.
type Transcript struct {
	Tail []stream.Item `json:"tail"`
	Head []stream.Item `json:"head,omitempty"`
}

// Draft is unsent input for an agent. It never leaves the client except
// as part of an explicit send.
type Draft struct {
	Text   string         `json:"text"`
	Images []stream.Image `json:"images,omitempty"`
}

// FileExplorer holds the last directory listing and file preview fetched
// for an agent.
type FileExplorer struct {
	Path    string                `json:"path"`
	Entries []protocol.DirEntry   `json:"entries,omitempty"`
	Preview *protocol.FilePreview `json:"preview,omitempty"`
}

type OpKind string

const (
	OpSendMessage    OpKind = "send_message"
	OpFlushQueued    OpKind = "flush_queued"
	OpSendNow        OpKind = "send_now"
	OpCancelRun      OpKind = "cancel_run"
	OpCreateAgent    OpKind = "create_agent"
	OpDeleteAgent    OpKind = "delete_agent"
	OpArchiveAgent   OpKind = "archive_agent"
	OpSetMode        OpKind = "set_mode"
	OpRespond        OpKind = "respond_permission"
	OpClearAttention OpKind = "clear_attention"
)

type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpConfirmed OpStatus = "confirmed"
	OpFailed    OpStatus = "failed"
)

// Operation tracks one imperative call from send to confirmation.
type Operation struct {
	ID        string     `json:"id"`
	Kind      OpKind     `json:"kind"`
	AgentID   string     `json:"agentId,omitempty"`
	Status    OpStatus   `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// maxSettledOps bounds how many confirmed or failed operations are kept.
const maxSettledOps = 64

// State is an immutable snapshot of one connection. Every field is
// replaced, never edited in place, so a State handed to a subscriber stays
// valid forever.
type State struct {
	ConnectionID string
	Connection   connection.Record

	Agents      agents.Map
	Commands    []protocol.Command
	Streams     map[string]Transcript
	Permissions permission.Set
	Queue       queue.Queue
	Drafts      map[string]Draft

	// Initializing holds agents created but not yet reported initialized.
	Initializing map[string]bool
	GitDiffs     map[string]string
	Explorer     map[string]FileExplorer
	Operations   map[string]Operation

	AudioPlaying bool
	// CachedAt is set when the agent list came from the local cache and no
	// live snapshot has replaced it yet.
	CachedAt *time.Time
}

func newState(connectionID string) State {
	return State{
		ConnectionID: connectionID,
		Connection:   connection.New(),
	}
}

// Transcript returns the agent's transcript, empty if none.
func (s State) Transcript(agentID string) Transcript {
	return s.Streams[agentID]
}

// Items returns tail followed by head, the order a transcript renders in.
func (t Transcript) Items() []stream.Item {
	return stream.Fold(t.Tail, t.Head)
}

// PendingOperations returns the operations still awaiting an outcome,
// oldest first.
func (s State) PendingOperations() []Operation {
	var out []Operation
	for _, op := range s.Operations {
		if op.Status == OpPending {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s State) empty() bool {
	return s.Agents.Len() == 0 && len(s.Streams) == 0
}

// with returns a copy of m with k set to v.
func with[K comparable, V any](m map[K]V, k K, v V) map[K]V {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[K]V, 1)
	}
	out[k] = v
	return out
}

// without returns m without k. m itself is returned when k is absent.
func without[K comparable, V any](m map[K]V, k K) map[K]V {
	if _, ok := m[k]; !ok {
		return m
	}
	out := maps.Clone(m)
	delete(out, k)
	return out
}

// withOperation records op and drops the oldest settled operations beyond
// maxSettledOps.
func withOperation(ops map[string]Operation, op Operation) map[string]Operation {
	out := with(ops, op.ID, op)
	var settled []Operation
	for _, o := range out {
		if o.Status != OpPending {
			settled = append(settled, o)
		}
	}
	if len(settled) <= maxSettledOps {
		return out
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].SettledAt.Before(*settled[j].SettledAt) })
	for _, o := range settled[:len(settled)-maxSettledOps] {
		delete(out, o.ID)
	}
	return out
}
