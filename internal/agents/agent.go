// Package agents models the remote agents tracked for one connection.
package agents

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"time"
)

type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusKilled       Status = "killed"
	StatusClosed       Status = "closed"
)

// Busy reports whether a send to an agent in this status must be queued.
func (s Status) Busy() bool {
	return s == StatusRunning
}

type Mode struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PermissionRequest is a tool-approval request raised by an agent.
type PermissionRequest struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Title       string          `json:"title,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Options     []string        `json:"options,omitempty"`
}

type Agent struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Provider     string `json:"provider,omitempty"`
	Status       Status `json:"status"`
	Title        string `json:"title,omitempty"`
	Cwd          string `json:"cwd,omitempty"`

	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	LastActivityAt    time.Time  `json:"lastActivityAt"`
	LastUserMessageAt *time.Time `json:"lastUserMessageAt,omitempty"`
	ArchivedAt        *time.Time `json:"archivedAt,omitempty"`

	CurrentModeID  string `json:"currentModeId,omitempty"`
	AvailableModes []Mode `json:"availableModes,omitempty"`

	// PendingPermissions mirrors the permission set for display. The
	// session's permission map is authoritative.
	PendingPermissions []PermissionRequest `json:"pendingPermissions,omitempty"`

	RequiresAttention  bool       `json:"requiresAttention,omitempty"`
	AttentionReason    string     `json:"attentionReason,omitempty"`
	AttentionTimestamp *time.Time `json:"attentionTimestamp,omitempty"`

	LastError string `json:"lastError,omitempty"`
}

// Archived reports whether the agent has been soft-deleted.
func (a Agent) Archived() bool { return a.ArchivedAt != nil }

// HasMode reports whether modeID is one of the agent's selectable modes.
func (a Agent) HasMode(modeID string) bool {
	return slices.ContainsFunc(a.AvailableModes, func(m Mode) bool { return m.ID == modeID })
}

// Map is an immutable id→Agent map. Every mutator returns a new Map and
// leaves the receiver untouched, so a Map handed to a subscriber never
// changes underneath it.
type Map struct {
	m map[string]Agent
}

// NewMap builds a Map from a list. Later duplicates win.
func NewMap(list []Agent) Map {
	m := make(map[string]Agent, len(list))
	for _, a := range list {
		if a.ID == "" {
			continue
		}
		m[a.ID] = a
	}
	return Map{m: m}
}

func (m Map) Len() int { return len(m.m) }

func (m Map) Get(id string) (Agent, bool) {
	a, ok := m.m[id]
	return a, ok
}

// Put returns a Map with a inserted or replaced by id.
func (m Map) Put(a Agent) Map {
	next := maps.Clone(m.m)
	if next == nil {
		next = make(map[string]Agent, 1)
	}
	next[a.ID] = a
	return Map{m: next}
}

// Update applies fn to the agent with the given id. The second result is
// false when no such agent exists.
func (m Map) Update(id string, fn func(Agent) Agent) (Map, bool) {
	a, ok := m.m[id]
	if !ok {
		return m, false
	}
	return m.Put(fn(a)), true
}

func (m Map) Delete(id string) Map {
	if _, ok := m.m[id]; !ok {
		return m
	}
	next := maps.Clone(m.m)
	delete(next, id)
	return Map{m: next}
}

// List returns agents oldest first so ordering matches creation order.
func (m Map) List() []Agent {
	result := make([]Agent, 0, len(m.m))
	for _, a := range m.m {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// IDs returns the agent ids in List order.
func (m Map) IDs() []string {
	list := m.List()
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	return ids
}

// Archive marks the agent archived at now. Transcript and queue state owned
// elsewhere are not touched.
func Archive(a Agent, now time.Time) Agent {
	if a.ArchivedAt != nil {
		return a
	}
	a.ArchivedAt = &now
	a.UpdatedAt = now
	return a
}

// ClearAttention resets the attention flags.
func ClearAttention(a Agent) Agent {
	a.RequiresAttention = false
	a.AttentionReason = ""
	a.AttentionTimestamp = nil
	return a
}
