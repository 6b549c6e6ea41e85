package permission

import (
	"encoding/json"
	"testing"

	"github.com/workspace/agent-client/internal/agents"
)

func TestFallbackKeyIgnoresKeyOrder(t *testing.T) {
	a := agents.PermissionRequest{Name: "bash", Title: "Run", Input: json.RawMessage(`{"cmd":"ls","cwd":"/w"}`)}
	b := agents.PermissionRequest{Name: "bash", Title: "Run", Input: json.RawMessage(`{ "cwd": "/w", "cmd": "ls" }`)}
	if FallbackKey(a) != FallbackKey(b) {
		t.Fatal("expected equal fallback keys")
	}

	c := b
	c.Input = json.RawMessage(`{"cmd":"rm","cwd":"/w"}`)
	if FallbackKey(a) == FallbackKey(c) {
		t.Fatal("different inputs must produce different keys")
	}
}

func TestKeyPrefersExplicitID(t *testing.T) {
	req := agents.PermissionRequest{ID: "p1", Name: "bash"}
	if got := Key(req); got != "id:p1" {
		t.Fatalf("Key = %q", got)
	}
}

func TestSnapshotThenLivePushDedupes(t *testing.T) {
	input := json.RawMessage(`{"path":"main.go"}`)
	snapshot := []agents.Agent{{
		ID: "a1",
		PendingPermissions: []agents.PermissionRequest{
			{Name: "edit", Title: "Edit main.go", Kind: "write", Input: input},
		},
	}}
	s := FromAgents(snapshot)

	live := agents.PermissionRequest{ID: "perm-7", Name: "edit", Title: "Edit main.go", Kind: "write", Input: json.RawMessage(`{"path": "main.go"}`)}
	s, _ = s.Add("a1", live)

	if got := s.Len(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	if got := s.Pending("a1")[0].Request.ID; got != "perm-7" {
		t.Fatalf("explicit id not learned: %q", got)
	}

	// Resolving by the live id removes the merged entry.
	s, ok := s.Resolve("a1", "perm-7")
	if !ok || s.Len() != 0 {
		t.Fatalf("resolve failed: ok=%v len=%d", ok, s.Len())
	}
}

func TestAddSameIDTwice(t *testing.T) {
	var s Set
	req := agents.PermissionRequest{ID: "p1", Name: "bash"}
	s, changed := s.Add("a1", req)
	if !changed {
		t.Fatal("first add should change the set")
	}
	before := s
	s, changed = s.Add("a1", req)
	if changed {
		t.Fatal("second add should be a no-op")
	}
	if s.Len() != 1 || before.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
}

func TestSetIsImmutable(t *testing.T) {
	var s Set
	s1, _ := s.Add("a1", agents.PermissionRequest{ID: "p1"})
	s2, _ := s1.Add("a1", agents.PermissionRequest{ID: "p2"})
	if s1.Len() != 1 || s2.Len() != 2 {
		t.Fatalf("lens = %d, %d", s1.Len(), s2.Len())
	}
	s3 := s2.DropAgent("a1")
	if s3.Len() != 0 || s2.Len() != 2 {
		t.Fatal("DropAgent mutated its receiver")
	}
}

func TestResolveByDerivedKey(t *testing.T) {
	var s Set
	req := agents.PermissionRequest{Name: "bash", Input: json.RawMessage(`{"cmd":"ls"}`)}
	s, _ = s.Add("a1", req)
	s, ok := s.Resolve("a1", FallbackKey(req))
	if !ok || s.Len() != 0 {
		t.Fatal("expected resolve by derived key")
	}
	if _, ok := s.Resolve("a1", "missing"); ok {
		t.Fatal("resolving a missing request should report false")
	}
}
