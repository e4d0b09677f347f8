package s2s

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPendingTTL is how long an outbound control message is remembered for
// error correlation before it is garbage-collected.
const DefaultPendingTTL = 60 * time.Second

// PendingEvent is a short-lived record of an outbound control message, kept
// only to correlate a later error response back to its cause.
type PendingEvent struct {
	ID     string
	Type   string
	SentAt time.Time
}

// PendingLedger tracks in-flight control messages by id. Records expire after
// the TTL; Prune is called from the session maintenance tick, and Record also
// prunes opportunistically so the ledger stays bounded between ticks.
//
// Safe for concurrent use.
type PendingLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingEvent
	seq     atomic.Uint64
}

// NewPendingLedger creates a ledger with the given TTL. Zero or negative ttl
// defaults to [DefaultPendingTTL].
func NewPendingLedger(ttl time.Duration) *PendingLedger {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingLedger{ttl: ttl, entries: make(map[string]PendingEvent)}
}

// NextID returns a fresh client-side event id.
func (l *PendingLedger) NextID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, l.seq.Add(1))
}

// Record remembers an outbound control message under id.
func (l *PendingLedger) Record(id, msgType string) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	l.entries[id] = PendingEvent{ID: id, Type: msgType, SentAt: now}
}

// Lookup returns the pending record for id, removing it from the ledger.
func (l *PendingLedger) Lookup(id string) (PendingEvent, bool) {
	if id == "" {
		return PendingEvent{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.entries[id]
	if ok {
		delete(l.entries, id)
	}
	return ev, ok
}

// Prune removes entries older than the TTL and returns how many were removed.
func (l *PendingLedger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(time.Now())
}

// Len returns the number of live records.
func (l *PendingLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *PendingLedger) pruneLocked(now time.Time) int {
	n := 0
	for id, ev := range l.entries {
		if now.Sub(ev.SentAt) > l.ttl {
			delete(l.entries, id)
			n++
		}
	}
	return n
}
