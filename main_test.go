package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/cache"
	"github.com/workspace/agent-client/internal/connection"
	"github.com/workspace/agent-client/internal/permission"
	"github.com/workspace/agent-client/internal/session"
)

func TestCommandsRegistered(t *testing.T) {
	for _, path := range [][]string{
		{"watch"},
		{"agents"},
		{"send"},
		{"cache", "show"},
		{"cache", "clear"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not registered (got %v, rest %v, err %v)", path, cmd.Name(), rest, err)
		}
	}
}

func TestMainShutdownSourceContract(t *testing.T) {
	content, err := os.ReadFile("main.go")
	if err != nil {
		t.Fatalf("read main.go: %v", err)
	}
	for _, needle := range []string{
		"signal.NotifyContext",
		"syscall.SIGTERM",
		"c.manager.CloseAll()",
		"c.reporter.Shutdown()",
	} {
		if !strings.Contains(string(content), needle) {
			t.Fatalf("expected %q in main.go", needle)
		}
	}
}

func TestPrintAgents(t *testing.T) {
	archived := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := printAgents(&buf, []agents.Agent{
		{ID: "a1", Status: agents.StatusRunning, Provider: "claude", Title: "Fix tests", RequiresAttention: true},
		{ID: "a2", Status: agents.StatusIdle, ArchivedAt: &archived},
	})
	if err != nil {
		t.Fatalf("printAgents: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"ID", "a1", "running !", "claude", "Fix tests", "idle (archived)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := printAgents(&buf, nil); err != nil {
		t.Fatalf("printAgents: %v", err)
	}
	if !strings.Contains(buf.String(), "No agents found.") {
		t.Fatalf("empty output = %q", buf.String())
	}
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	raw := []byte("\x89PNG\r\n\x1a\nrest")
	if err := os.WriteFile(png, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	images, err := loadImages([]string{png})
	if err != nil {
		t.Fatalf("loadImages: %v", err)
	}
	if len(images) != 1 || images[0].MimeType != "image/png" {
		t.Fatalf("images = %+v", images)
	}
	if images[0].Data != base64.StdEncoding.EncodeToString(raw) {
		t.Fatal("image data not base64 encoded")
	}

	if _, err := loadImages([]string{filepath.Join(dir, "missing.png")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFilePlayerWritesClip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audio")
	p := &filePlayer{dir: dir}
	if err := p.Play(context.Background(), "WAV", []byte("riff")); err != nil {
		t.Fatalf("Play: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "clip-*.wav"))
	if len(matches) != 1 {
		t.Fatalf("clips = %v", matches)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Play(ctx, "wav", nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestCacheShowPrintsSnapshot(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "cache.db")
	t.Setenv("HOST_URL", "wss://host.example:8443")
	t.Setenv("CACHE_PATH", dbPath)
	t.Setenv("LOG_LEVEL", "error")

	store, err := openCache(dbPath)
	if err != nil {
		t.Fatalf("openCache: %v", err)
	}
	err = store.Save(context.Background(), "host.example:8443", cache.Snapshot{
		Agents:  []agents.Agent{{ID: "a1", Status: agents.StatusIdle}},
		SavedAt: time.Now(),
	})
	store.Close()
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"cache", "show", "host.example:8443"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("cache show: %v", err)
	}
	if !strings.Contains(out.String(), `"id": "a1"`) {
		t.Fatalf("output = %s", out.String())
	}
}

func TestSummarizeCountsAgents(t *testing.T) {
	st := session.State{
		Agents: agents.Map{}.
			Put(agents.Agent{ID: "a1", Status: agents.StatusRunning}).
			Put(agents.Agent{ID: "a2", Status: agents.StatusIdle, RequiresAttention: true}),
		Permissions: permission.FromAgents([]agents.Agent{{
			ID:                 "a1",
			PendingPermissions: []agents.PermissionRequest{{ID: "p1", Name: "Bash"}},
		}}),
	}
	st.Connection.Status = connection.StatusOnline
	st.Connection.AgentListReady = true

	got := summarize(st)
	want := summary{status: "online", ready: true, agents: 2, running: 1, attention: 1, permissions: 1}
	if got != want {
		t.Fatalf("summarize = %+v, want %+v", got, want)
	}
	if len(got.attrs())%2 != 0 {
		t.Fatal("attrs must be key/value pairs")
	}
}
