// Package permission tracks pending tool-approval requests per agent.
//
// Requests can reach the client twice: once inside a session snapshot and
// once as a live push. Only some sources carry an explicit id, so entries are
// identified by a derived key and matched on either the id or the fallback.
package permission

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"slices"

	"github.com/workspace/agent-client/internal/agents"
)

// Key returns the derived identity of req: its explicit id when present,
// otherwise FallbackKey.
func Key(req agents.PermissionRequest) string {
	if req.ID != "" {
		return "id:" + req.ID
	}
	return FallbackKey(req)
}

// FallbackKey hashes name, title, kind and a canonical form of the input.
// Two requests that differ only in JSON key order or whitespace get the
// same key.
func FallbackKey(req agents.PermissionRequest) string {
	h := sha256.New()
	for _, part := range []string{req.Name, req.Title, req.Kind} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonicalJSON(req.Input))
	return "fp:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// canonicalJSON re-encodes raw with sorted object keys. Invalid JSON is
// used as-is after trimming.
func canonicalJSON(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// Entry is one pending request.
type Entry struct {
	Key     string                   `json:"key"`
	AgentID string                   `json:"agentId"`
	Request agents.PermissionRequest `json:"request"`
}

func (e Entry) matches(req agents.PermissionRequest) bool {
	if req.ID != "" && e.Request.ID != "" {
		return e.Request.ID == req.ID
	}
	return FallbackKey(e.Request) == FallbackKey(req)
}

// Set is an immutable agentID → pending requests map. Entries keep arrival
// order within an agent.
type Set struct {
	byAgent map[string][]Entry
}

// Add returns a Set containing req for agentID. When an equivalent entry is
// already pending the set is returned unchanged, except that an explicit id
// learned from the new copy is recorded on the existing entry.
func (s Set) Add(agentID string, req agents.PermissionRequest) (Set, bool) {
	list := s.byAgent[agentID]
	for i, e := range list {
		if !e.matches(req) {
			continue
		}
		if e.Request.ID == "" && req.ID != "" {
			next := slices.Clone(list)
			next[i].Request.ID = req.ID
			return s.with(agentID, next), true
		}
		return s, false
	}
	next := make([]Entry, len(list), len(list)+1)
	copy(next, list)
	next = append(next, Entry{Key: Key(req), AgentID: agentID, Request: req})
	return s.with(agentID, next), true
}

// Resolve removes the entry identified by requestID, which may be an
// explicit id or a derived key.
func (s Set) Resolve(agentID, requestID string) (Set, bool) {
	list := s.byAgent[agentID]
	i := slices.IndexFunc(list, func(e Entry) bool {
		return e.Key == requestID || (e.Request.ID != "" && e.Request.ID == requestID)
	})
	if i < 0 {
		return s, false
	}
	next := slices.Delete(slices.Clone(list), i, i+1)
	return s.with(agentID, next), true
}

// Find returns the pending entry for requestID.
func (s Set) Find(agentID, requestID string) (Entry, bool) {
	for _, e := range s.byAgent[agentID] {
		if e.Key == requestID || (e.Request.ID != "" && e.Request.ID == requestID) {
			return e, true
		}
	}
	return Entry{}, false
}

// DropAgent removes every entry owned by agentID.
func (s Set) DropAgent(agentID string) Set {
	if _, ok := s.byAgent[agentID]; !ok {
		return s
	}
	next := maps.Clone(s.byAgent)
	delete(next, agentID)
	return Set{byAgent: next}
}

// Pending returns agentID's requests in arrival order.
func (s Set) Pending(agentID string) []Entry {
	return slices.Clone(s.byAgent[agentID])
}

// Requests returns the raw requests for agentID, for the agent's
// denormalized view.
func (s Set) Requests(agentID string) []agents.PermissionRequest {
	list := s.byAgent[agentID]
	if len(list) == 0 {
		return nil
	}
	out := make([]agents.PermissionRequest, len(list))
	for i, e := range list {
		out[i] = e.Request
	}
	return out
}

// Len returns the total number of pending entries.
func (s Set) Len() int {
	n := 0
	for _, l := range s.byAgent {
		n += len(l)
	}
	return n
}

// FromAgents builds a Set from the pending requests embedded in a snapshot.
func FromAgents(list []agents.Agent) Set {
	var s Set
	for _, a := range list {
		for _, req := range a.PendingPermissions {
			s, _ = s.Add(a.ID, req)
		}
	}
	return s
}

func (s Set) with(agentID string, list []Entry) Set {
	next := maps.Clone(s.byAgent)
	if next == nil {
		next = make(map[string][]Entry, 1)
	}
	if len(list) == 0 {
		delete(next, agentID)
	} else {
		next[agentID] = list
	}
	return Set{byAgent: next}
}
