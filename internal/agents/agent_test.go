package agents

import (
	"testing"
	"time"
)

func TestMapPutDoesNotMutateOriginal(t *testing.T) {
	m := NewMap([]Agent{{ID: "a1", Status: StatusIdle}})
	next := m.Put(Agent{ID: "a1", Status: StatusRunning})

	if a, _ := m.Get("a1"); a.Status != StatusIdle {
		t.Fatalf("original map changed: %+v", a)
	}
	if a, _ := next.Get("a1"); a.Status != StatusRunning {
		t.Fatalf("expected running, got %s", a.Status)
	}
}

func TestMapDelete(t *testing.T) {
	m := NewMap([]Agent{{ID: "a1"}, {ID: "a2"}})
	next := m.Delete("a1")
	if next.Len() != 1 || m.Len() != 2 {
		t.Fatalf("lens = %d, %d", next.Len(), m.Len())
	}
	if same := next.Delete("missing"); same.Len() != 1 {
		t.Fatal("deleting a missing id should be a no-op")
	}
}

func TestMapUpdateMissing(t *testing.T) {
	var m Map
	if _, ok := m.Update("nope", func(a Agent) Agent { return a }); ok {
		t.Fatal("expected false for missing agent")
	}
}

func TestZeroMapPut(t *testing.T) {
	var m Map
	m = m.Put(Agent{ID: "a1"})
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}
}

func TestListSortedOldestFirst(t *testing.T) {
	now := time.Now().UTC()
	m := NewMap([]Agent{
		{ID: "c", CreatedAt: now},
		{ID: "a", CreatedAt: now.Add(-2 * time.Second)},
		{ID: "b", CreatedAt: now.Add(-1 * time.Second)},
	})
	ids := m.IDs()
	if ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("unexpected order: %v", ids)
	}
}

func TestArchiveIsSoft(t *testing.T) {
	now := time.Now().UTC()
	a := Archive(Agent{ID: "a1", Status: StatusIdle}, now)
	if !a.Archived() {
		t.Fatal("expected archived")
	}
	if a.Status != StatusIdle {
		t.Fatalf("archive changed status to %s", a.Status)
	}
	later := Archive(a, now.Add(time.Hour))
	if !later.ArchivedAt.Equal(now) {
		t.Fatal("re-archive should keep the first timestamp")
	}
}

func TestStatusBusy(t *testing.T) {
	tests := map[Status]bool{
		StatusRunning:      true,
		StatusInitializing: false,
		StatusIdle:         false,
		StatusCompleted:    false,
		StatusFailed:       false,
	}
	for s, want := range tests {
		if got := s.Busy(); got != want {
			t.Errorf("%s.Busy() = %v, want %v", s, got, want)
		}
	}
}

func TestClearAttention(t *testing.T) {
	now := time.Now()
	a := ClearAttention(Agent{ID: "a1", RequiresAttention: true, AttentionReason: "finished", AttentionTimestamp: &now})
	if a.RequiresAttention || a.AttentionReason != "" || a.AttentionTimestamp != nil {
		t.Fatalf("attention not cleared: %+v", a)
	}
}
