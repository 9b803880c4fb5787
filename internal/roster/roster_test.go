package roster

import (
	"testing"

	"github.com/peercall/peercall/internal/signaling"
)

func TestProjector_FullReplace(t *testing.T) {
	p := NewProjector()
	p.ApplyFullRoster([]signaling.RosterEntry{
		{ID: "a", FullName: "Peer A", IsOnline: true},
		{ID: "b", FullName: "Peer B", IsOnline: false},
	})

	if !p.IsCallable("a") {
		t.Fatalf("expected a to be callable")
	}
	if p.IsCallable("b") {
		t.Fatalf("expected offline b to not be callable")
	}
	if p.IsCallable("c") {
		t.Fatalf("expected unknown c to not be callable")
	}

	// A later update replaces the snapshot wholesale; peers missing from it
	// disappear rather than lingering with stale state.
	p.ApplyFullRoster([]signaling.RosterEntry{
		{ID: "b", FullName: "Peer B", IsOnline: true},
	})
	if p.IsCallable("a") {
		t.Fatalf("expected a to be gone after full replace")
	}
	if !p.IsCallable("b") {
		t.Fatalf("expected b to be callable after full replace")
	}
}

func TestProjector_ApplyDelta(t *testing.T) {
	p := NewProjector()
	p.ApplyFullRoster([]signaling.RosterEntry{
		{ID: "a", IsOnline: true},
		{ID: "b", IsOnline: true},
	})

	p.ApplyDelta(map[string]bool{"b": true, "c": true})

	if p.IsCallable("a") {
		t.Fatalf("expected a to be offline after delta")
	}
	if !p.IsCallable("b") {
		t.Fatalf("expected b to stay online")
	}
	if p.IsCallable("c") {
		t.Fatalf("expected unknown c to not be added by delta")
	}
}

func TestProjector_IgnoresEmptyIDs(t *testing.T) {
	p := NewProjector()
	p.ApplyFullRoster([]signaling.RosterEntry{{ID: "", IsOnline: true}})
	if got := len(p.Entries()); got != 0 {
		t.Fatalf("expected empty roster, got %d entries", got)
	}
}
