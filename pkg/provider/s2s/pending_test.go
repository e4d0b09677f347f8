package s2s

import (
	"testing"
	"time"
)

func TestPendingLedger_RecordAndLookup(t *testing.T) {
	t.Parallel()

	l := NewPendingLedger(time.Minute)
	id := l.NextID("evt")
	l.Record(id, "input_audio_buffer.commit")

	ev, ok := l.Lookup(id)
	if !ok {
		t.Fatalf("Lookup(%q) missed", id)
	}
	if ev.Type != "input_audio_buffer.commit" {
		t.Errorf("Type = %q; want input_audio_buffer.commit", ev.Type)
	}

	// Lookup consumes the record.
	if _, ok := l.Lookup(id); ok {
		t.Error("second Lookup found a consumed record")
	}
}

func TestPendingLedger_LookupEmptyID(t *testing.T) {
	t.Parallel()

	l := NewPendingLedger(time.Minute)
	if _, ok := l.Lookup(""); ok {
		t.Error("Lookup of empty id reported a hit")
	}
}

func TestPendingLedger_PruneExpiresOldRecords(t *testing.T) {
	t.Parallel()

	l := NewPendingLedger(10 * time.Millisecond)
	l.Record("a", "response.create")
	l.Record("b", "input_audio_buffer.clear")

	time.Sleep(30 * time.Millisecond)
	if n := l.Prune(); n != 2 {
		t.Fatalf("Prune removed %d records; want 2", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d after prune; want 0", l.Len())
	}
}

func TestPendingLedger_NextIDIsUnique(t *testing.T) {
	t.Parallel()

	l := NewPendingLedger(0)
	seen := make(map[string]bool)
	for range 100 {
		id := l.NextID("evt")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
