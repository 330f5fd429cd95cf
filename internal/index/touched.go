package index

import "sync"

// TouchedSet tracks subscribers whose index entries changed since the last
// drain. The ingest path marks; the detector's event loop drains. Drain uses
// map-swap for a stable snapshot.
type TouchedSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewTouchedSet creates an empty TouchedSet.
func NewTouchedSet() *TouchedSet {
	return &TouchedSet{m: make(map[string]struct{})}
}

// Mark records that a subscriber's entries changed.
func (t *TouchedSet) Mark(subscriber string) {
	t.mu.Lock()
	t.m[subscriber] = struct{}{}
	t.mu.Unlock()
}

// Drain atomically swaps the internal map with a fresh one and returns the
// drained subscribers. Concurrent marks after Drain go into the new map.
func (t *TouchedSet) Drain() []string {
	t.mu.Lock()
	old := t.m
	t.m = make(map[string]struct{}, len(old)/2)
	t.mu.Unlock()

	out := make([]string, 0, len(old))
	for s := range old {
		out = append(out, s)
	}
	return out
}

// Len returns the current number of touched subscribers.
func (t *TouchedSet) Len() int {
	t.mu.Lock()
	n := len(t.m)
	t.mu.Unlock()
	return n
}
