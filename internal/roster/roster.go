// Package roster projects online-friends-update envelopes into a queryable
// view of which peers can currently be called.
package roster

import (
	"sync"

	"github.com/peercall/peercall/internal/signaling"
)

// Projector holds the latest roster snapshot. Each full update replaces the
// previous snapshot wholesale; there is no merge logic.
type Projector struct {
	mu      sync.Mutex
	entries map[string]signaling.RosterEntry
}

func NewProjector() *Projector {
	return &Projector{
		entries: make(map[string]signaling.RosterEntry),
	}
}

// ApplyFullRoster replaces the entire roster with the given entries.
func (p *Projector) ApplyFullRoster(entries []signaling.RosterEntry) {
	next := make(map[string]signaling.RosterEntry, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		next[e.ID] = e
	}

	p.mu.Lock()
	p.entries = next
	p.mu.Unlock()
}

// ApplyDelta flips online state in place: peers in onlineSet become online,
// every other known peer becomes offline. Unknown peers are not added.
func (p *Projector) ApplyDelta(onlineSet map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		e.IsOnline = onlineSet[id]
		p.entries[id] = e
	}
}

// IsCallable reports whether peerID is known and online.
func (p *Projector) IsCallable(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[peerID]
	return ok && e.IsOnline
}

// Entry returns the roster entry for peerID, if known.
func (p *Projector) Entry(peerID string) (signaling.RosterEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[peerID]
	return e, ok
}

// Entries returns a snapshot of all known entries, in no particular order.
func (p *Projector) Entries() []signaling.RosterEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]signaling.RosterEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}
