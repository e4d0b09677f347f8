package audio

import (
	"sync"
	"sync/atomic"
)

// Ingress is the bounded hand-off between the frame source's push callback and
// the pipeline's single consumer loop. Push never blocks: when the buffer is
// full the frame is dropped and counted, trading occasional audio loss for
// bounded memory and latency.
//
// Push may be called from the capture thread; Frames must be consumed by
// exactly one goroutine. Close is safe to call more than once.
type Ingress struct {
	frames  chan Frame
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewIngress creates an Ingress buffering up to capacity frames.
// A capacity of zero or less defaults to 16.
func NewIngress(capacity int) *Ingress {
	if capacity <= 0 {
		capacity = 16
	}
	return &Ingress{frames: make(chan Frame, capacity)}
}

// Push offers a frame to the pipeline. It returns false if the frame was
// dropped because the buffer is full or the ingress is closed.
func (in *Ingress) Push(f Frame) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return false
	}
	select {
	case in.frames <- f:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Frames returns the channel the pipeline consumer reads from. The channel is
// closed by Close.
func (in *Ingress) Frames() <-chan Frame { return in.frames }

// Drain destructively discards all currently buffered frames and returns how
// many were removed. Used for backpressure control when the consumer falls
// behind and stale audio is worth less than fresh audio.
func (in *Ingress) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-in.frames:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Dropped returns the number of frames discarded because the buffer was full.
func (in *Ingress) Dropped() uint64 { return in.dropped.Load() }

// Close stops accepting frames and closes the Frames channel. Idempotent.
func (in *Ingress) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.frames)
}
