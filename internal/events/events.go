// Package events keeps a fixed-capacity in-memory log of notable controller
// actions for the admin facade.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindViolation   Kind = "violation"
	KindEnforcement Kind = "enforcement"
	KindReEnable    Kind = "re_enable"
	KindManualUnban Kind = "manual_unban"
	KindNodeOffline Kind = "node_offline"
	KindNodeOnline  Kind = "node_online"
)

// Event is one entry of the log.
type Event struct {
	At         time.Time `json:"at"`
	Kind       Kind      `json:"kind"`
	Subscriber string    `json:"subscriber,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Ring is a bounded event log. Once full, new events overwrite the oldest.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	size int
}

// NewRing creates a ring holding at most capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Append records an event, evicting the oldest when full.
func (r *Ring) Append(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	r.mu.Unlock()
}

// Recent returns up to n events, newest first.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Len returns the number of stored events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
