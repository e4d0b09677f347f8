package turn

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of a Manager's pipeline counters.
type Stats struct {
	// ChunksProcessed counts every audio buffer handed to ProcessAudioChunk.
	ChunksProcessed uint64

	// ChunksSent counts formatted chunks accepted by the protocol client.
	ChunksSent uint64

	// ChunksDropped counts chunks lost to outbound backpressure.
	ChunksDropped uint64

	// TurnsOpened, TurnsClosed and TurnsSuppressed trace the turn lifecycle.
	// A suppressed turn ended below the endpoint's minimum byte threshold
	// and was aborted instead of closed.
	TurnsOpened     uint64
	TurnsClosed     uint64
	TurnsSuppressed uint64

	// Transcripts and Responses count inbound protocol traffic.
	Transcripts uint64
	Responses   uint64

	// Reconnects counts session replacements, proactive refreshes included.
	Reconnects uint64

	// Connected reports whether a live session is currently attached.
	Connected bool

	// Speaking reports the gate's current state.
	Speaking bool

	// LastActivity is the arrival time of the most recent audio buffer.
	LastActivity time.Time
}

// counters is the lock-free mutable backing for Stats. The turn-state fields
// (Connected, Speaking, LastActivity) live on the Manager under its mutex;
// everything here is monotonic and safe to bump from any goroutine.
type counters struct {
	chunksProcessed atomic.Uint64
	chunksSent      atomic.Uint64
	chunksDropped   atomic.Uint64
	turnsOpened     atomic.Uint64
	turnsClosed     atomic.Uint64
	turnsSuppressed atomic.Uint64
	transcripts     atomic.Uint64
	responses       atomic.Uint64
	reconnects      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		ChunksProcessed: c.chunksProcessed.Load(),
		ChunksSent:      c.chunksSent.Load(),
		ChunksDropped:   c.chunksDropped.Load(),
		TurnsOpened:     c.turnsOpened.Load(),
		TurnsClosed:     c.turnsClosed.Load(),
		TurnsSuppressed: c.turnsSuppressed.Load(),
		Transcripts:     c.transcripts.Load(),
		Responses:       c.responses.Load(),
		Reconnects:      c.reconnects.Load(),
	}
}
