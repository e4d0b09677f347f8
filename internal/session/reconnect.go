package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts   = 5
	defaultBackoff       = 1 * time.Second
	defaultMaxBackoff    = 10 * time.Second
	defaultJitterMin     = 200 * time.Millisecond
	defaultJitterMax     = 600 * time.Millisecond
	defaultRefreshMargin = 1 * time.Minute
)

// Reconnector wraps an [s2s.Provider] with a retry policy. A lost session is
// replaced through [Reconnector.Reconnect], which dials with exponential
// backoff plus jitter; each successful cycle yields a brand-new
// SessionHandle, never a resurrected one. When the retry budget is exhausted
// a single terminal [s2s.EventReconnectFailed] is emitted and the error is
// returned to the caller, which owns the decision to give up or restart.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	provider s2s.Provider
	cfg      s2s.SessionConfig

	maxAttempts   int
	backoff       time.Duration
	maxBackoff    time.Duration
	jitterMin     time.Duration
	jitterMax     time.Duration
	refreshMargin time.Duration

	events chan s2s.Event

	done     chan struct{}
	stopOnce sync.Once
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Provider establishes the underlying sessions.
	Provider s2s.Provider

	// SessionConfig is passed to every Connect call.
	SessionConfig s2s.SessionConfig

	// MaxAttempts is the retry budget per outage. Defaults to 5 if zero.
	MaxAttempts int

	// Backoff is the delay before the first retry. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the doubling. Defaults to 10s if zero.
	MaxBackoff time.Duration

	// JitterMin and JitterMax bound the random addition to each backoff
	// delay. Default to 200ms and 600ms if both are zero.
	JitterMin time.Duration
	JitterMax time.Duration

	// RefreshMargin is how long before the provider's session ceiling a
	// proactive refresh becomes due. Defaults to 1m if zero.
	RefreshMargin time.Duration
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		provider:      cfg.Provider,
		cfg:           cfg.SessionConfig,
		maxAttempts:   cfg.MaxAttempts,
		backoff:       cfg.Backoff,
		maxBackoff:    cfg.MaxBackoff,
		jitterMin:     cfg.JitterMin,
		jitterMax:     cfg.JitterMax,
		refreshMargin: cfg.RefreshMargin,
		events:        make(chan s2s.Event, 16),
		done:          make(chan struct{}),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	if r.jitterMin <= 0 && r.jitterMax <= 0 {
		r.jitterMin = defaultJitterMin
		r.jitterMax = defaultJitterMax
	}
	if r.jitterMax < r.jitterMin {
		r.jitterMax = r.jitterMin
	}
	if r.refreshMargin <= 0 {
		r.refreshMargin = defaultRefreshMargin
	}
	return r
}

// Capabilities reports the wrapped provider's capabilities.
func (r *Reconnector) Capabilities() s2s.Capabilities {
	return r.provider.Capabilities()
}

// Events returns the reconnect lifecycle event stream.
func (r *Reconnector) Events() <-chan s2s.Event { return r.events }

// Connect performs the initial connection. No retries: a failing first
// connect is a configuration problem, not an outage.
func (r *Reconnector) Connect(ctx context.Context) (s2s.SessionHandle, error) {
	sess, err := r.provider.Connect(ctx, r.cfg)
	if err != nil {
		return nil, fmt.Errorf("reconnector initial connect: %w", err)
	}
	return sess, nil
}

// RefreshDue reports whether a session started at start has aged past the
// provider's lifetime ceiling minus the refresh margin. Callers replace the
// session proactively instead of waiting for the remote to drop it.
func (r *Reconnector) RefreshDue(start time.Time) bool {
	max := r.provider.Capabilities().MaxSessionDuration
	if max <= 0 {
		return false
	}
	deadline := start.Add(max - r.refreshMargin)
	return !time.Now().Before(deadline)
}

// Reconnect replaces a lost or expiring session, retrying with exponential
// backoff plus jitter until the budget runs out. The terminal failure event
// is emitted exactly once, right before the error return.
func (r *Reconnector) Reconnect(ctx context.Context) (s2s.SessionHandle, error) {
	backoff := r.backoff

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, fmt.Errorf("reconnector stopped")
		default:
		}

		r.emit(s2s.Event{
			Type:    s2s.EventReconnecting,
			Message: fmt.Sprintf("attempt %d/%d", attempt, r.maxAttempts),
		})
		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
		)

		sess, err := r.provider.Connect(ctx, r.cfg)
		if err == nil {
			slog.Info("reconnection successful", "attempt", attempt)
			r.emit(s2s.Event{Type: s2s.EventReconnected})
			return sess, nil
		}
		lastErr = err

		slog.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying unless this was the final attempt.
		if attempt == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, fmt.Errorf("reconnector stopped")
		case <-time.After(backoff + r.jitter()):
		}

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}

	slog.Error("reconnection failed after max attempts",
		"max_attempts", r.maxAttempts,
		"error", lastErr,
	)
	r.emit(s2s.Event{
		Type: s2s.EventReconnectFailed,
		Err:  lastErr,
	})
	return nil, fmt.Errorf("reconnect: %d attempts exhausted: %w", r.maxAttempts, lastErr)
}

// Stop aborts any in-flight retry loop. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// jitter returns a random duration in [jitterMin, jitterMax].
func (r *Reconnector) jitter() time.Duration {
	span := r.jitterMax - r.jitterMin
	if span <= 0 {
		return r.jitterMin
	}
	return r.jitterMin + rand.N(span+1)
}

func (r *Reconnector) emit(ev s2s.Event) {
	ev.Timestamp = time.Now()
	select {
	case r.events <- ev:
	default:
	}
}
