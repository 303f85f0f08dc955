package schedule

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/agora/internal/bus"
	"github.com/nextlevelbuilder/agora/internal/fault"
)

func TestAddRejectsInvalidCron(t *testing.T) {
	s := New(bus.New())
	if _, err := s.Add("root", "worker", "", "ping", "not a cron"); err == nil {
		t.Fatal("expected error for invalid cron expression")
	} else if fault.CodeOf(err) != fault.InvalidArgs {
		t.Fatalf("code = %q, want %q", fault.CodeOf(err), fault.InvalidArgs)
	}
}

func TestAddListRemove(t *testing.T) {
	s := New(bus.New())

	id, err := s.Add("root", "worker", "task-1", "status report", "*/5 * * * *")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("Add returned empty id")
	}

	entries := s.List()
	if len(entries) != 1 {
		t.Fatalf("List returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != id || e.From != "root" || e.To != "worker" || e.Cron != "*/5 * * * *" {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.NextRun.IsZero() {
		t.Fatal("NextRun not computed at Add time")
	}

	if !s.Remove(id) {
		t.Fatal("Remove returned false for known id")
	}
	if s.Remove(id) {
		t.Fatal("Remove returned true for already-removed id")
	}
	if got := len(s.List()); got != 0 {
		t.Fatalf("List returned %d entries after remove, want 0", got)
	}
}

func TestFireDueSendsAndAdvances(t *testing.T) {
	b := bus.New()
	s := New(b)

	id, err := s.Add("scheduler-owner", "worker", "task-1", "heartbeat", "* * * * *")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Force the entry due so the test does not wait for a minute boundary.
	now := time.Now()
	s.mu.Lock()
	s.entries[id].NextRun = now.Add(-time.Second)
	s.mu.Unlock()

	s.fireDue(now)

	if got := b.QueueLength("worker"); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
	msg := b.ReceiveNext("worker")
	if msg.From != "scheduler-owner" || msg.TaskID != "task-1" || msg.Payload.Text != "heartbeat" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	s.mu.Lock()
	next := s.entries[id].NextRun
	s.mu.Unlock()
	if !next.After(now) {
		t.Fatalf("NextRun %v not advanced past %v", next, now)
	}

	// A second pass at the same instant must not fire again.
	s.fireDue(now)
	if got := b.QueueLength("worker"); got != 0 {
		t.Fatalf("queue length after re-fire = %d, want 0", got)
	}
}

func TestStartStop(t *testing.T) {
	s := New(bus.New())
	s.Start()
	s.Stop()
	s.Stop() // idempotent
}
