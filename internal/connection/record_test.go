package connection

import (
	"errors"
	"testing"
	"time"
)

func TestOnlineRequiresTimestamp(t *testing.T) {
	if _, err := New().Connecting().Online(time.Time{}, false); !errors.Is(err, ErrMissingOnlineTimestamp) {
		t.Fatalf("expected ErrMissingOnlineTimestamp, got %v", err)
	}
}

func TestErrorRequiresMessage(t *testing.T) {
	if _, err := New().Failed(""); !errors.Is(err, ErrMissingErrorMessage) {
		t.Fatalf("expected ErrMissingErrorMessage, got %v", err)
	}
}

func TestReadinessAcrossReconnect(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := New().Connecting().Online(t1, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.AgentListReady {
		t.Fatal("list should not be ready on entering online")
	}
	r = r.AgentListReceived()
	if !r.AgentListReady || !r.HasEverReceivedAgentList {
		t.Fatalf("flags after list received: %+v", r)
	}

	r = r.Offline()
	if r.AgentListReady {
		t.Fatal("offline must clear agentListReady")
	}
	if !r.HasEverReceivedAgentList {
		t.Fatal("sticky flag lost on offline")
	}
	if r.LastOnlineAt == nil || !r.LastOnlineAt.Equal(t1) {
		t.Fatal("offline must keep lastOnlineAt")
	}

	r = r.Connecting()
	if r.LastOnlineAt == nil {
		t.Fatal("connecting must keep lastOnlineAt")
	}
	r, _ = r.Online(t1.Add(time.Minute), false)
	if r.AgentListReady {
		t.Fatal("list should not be ready after reconnect without carryReady")
	}
	if !r.HasEverReceivedAgentList {
		t.Fatal("sticky flag lost on reconnect")
	}
}

func TestCarryReadyAcrossBlip(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, _ := New().Connecting().Online(t1, false)
	r = r.AgentListReceived().Offline().Connecting()
	r, err := r.Online(t1.Add(time.Second), true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.AgentListReady {
		t.Fatal("carryReady should mark the list ready after a blip")
	}
	if !r.LastOnlineAt.Equal(t1.Add(time.Second)) {
		t.Fatalf("lastOnlineAt = %v", r.LastOnlineAt)
	}
}

func TestOnlineCarryReady(t *testing.T) {
	t1 := time.Now()
	r, _ := New().Online(t1, false)
	r = r.AgentListReceived()
	r, _ = r.Online(t1.Add(time.Second), true)
	if !r.AgentListReady {
		t.Fatal("carryReady should keep readiness while staying online")
	}
	r, _ = r.Online(t1.Add(2*time.Second), false)
	if r.AgentListReady {
		t.Fatal("online without carryReady resets readiness")
	}
}

func TestAgentListReceivedIgnoredWhenNotOnline(t *testing.T) {
	r := New().Connecting().AgentListReceived()
	if r.AgentListReady || r.HasEverReceivedAgentList {
		t.Fatalf("list marked ready outside online: %+v", r)
	}
}

func TestFailedClearsReadyAndConnectingClearsError(t *testing.T) {
	r, _ := New().Online(time.Now(), false)
	r = r.AgentListReceived()
	r, _ = r.Failed("handshake rejected")
	if r.AgentListReady || r.LastError != "handshake rejected" {
		t.Fatalf("unexpected record: %+v", r)
	}
	r = r.Connecting()
	if r.LastError != "" {
		t.Fatal("connecting must clear the error")
	}
}

func TestResetKeepsStickyFlag(t *testing.T) {
	r, _ := New().Online(time.Now(), false)
	r = r.AgentListReceived().Reset()
	if r.Status != StatusIdle || r.LastOnlineAt != nil || !r.HasEverReceivedAgentList {
		t.Fatalf("unexpected record after reset: %+v", r)
	}
}

func TestReportOnlyOnObservableChange(t *testing.T) {
	var events []TransitionEvent
	sink := SinkFunc(func(ev TransitionEvent) { events = append(events, ev) })
	now := time.Now()

	from := New()
	to := from.Connecting()
	if !Report(sink, "c1", from, to, now) {
		t.Fatal("idle -> connecting should be reported")
	}
	if Report(sink, "c1", to, to.Connecting(), now) {
		t.Fatal("redundant connecting should be silent")
	}

	online, _ := to.Online(now, false)
	Report(sink, "c1", to, online, now)
	if Report(sink, "c1", online, online.AgentListReceived(), now) {
		t.Fatal("readiness changes alone are not reported")
	}

	failed, _ := online.Failed("boom")
	Report(sink, "c1", online, failed, now)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].To != StatusOnline || events[1].Severity != SeverityInfo || events[1].LastOnlineAt == nil {
		t.Fatalf("unexpected online event: %+v", events[1])
	}
	last := events[2]
	if last.Severity != SeverityWarn || last.LastError != "boom" || last.From != StatusOnline || last.ConnectionID != "c1" {
		t.Fatalf("unexpected error event: %+v", last)
	}
}

func TestMultiSinkSkipsNil(t *testing.T) {
	n := 0
	m := MultiSink{nil, SinkFunc(func(TransitionEvent) { n++ })}
	m.ConnectionTransition(TransitionEvent{})
	if n != 1 {
		t.Fatalf("calls = %d", n)
	}
}
