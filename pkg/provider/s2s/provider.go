// Package s2s defines the Provider interface for speech-to-speech endpoints.
//
// An s2s provider wraps a real-time voice AI service that accepts raw PCM
// audio and streams back synthesised audio and text in a single, stateful
// session. Two endpoint families are implemented: a WebSocket event protocol
// (package openai) and a bidirectional session protocol (package gemini).
// Both are driven through one abstraction so the turn manager never sees
// endpoint-specific wire details.
//
// The central type is SessionHandle: a bidirectional, multiplexed channel
// carrying audio, transcripts, and lifecycle events concurrently. Sessions
// are long-lived and are replaced wholesale on reconnection — a handle never
// changes identity.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"
)

// ErrBufferFull is returned by SendAudio when the outbound transport queue is
// saturated. The chunk is dropped, not queued: the caller counts the drop and
// moves on, trading occasional audio loss for bounded memory and latency.
var ErrBufferFull = errors.New("s2s: outbound buffer full")

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("s2s: session closed")

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice selects the synthesised output voice. Provider-specific ID.
	Voice string

	// Instructions is the system-level prompt applied at session setup.
	Instructions string

	// Modalities lists the response modalities to request ("text", "audio").
	// Empty means provider default (text and audio).
	Modalities []string

	// Transcription requests transcription of the user's input audio where
	// the endpoint supports it.
	Transcription bool
}

// Capabilities describes static properties of a provider. The values are
// constant for the lifetime of the Provider instance.
type Capabilities struct {
	// SampleRate is the transport PCM sample rate in Hz (mono s16le).
	// Fixed for the life of a session.
	SampleRate int

	// MaxSessionDuration is the remote-imposed ceiling on session lifetime.
	// Clients must reconnect proactively before it elapses.
	MaxSessionDuration time.Duration

	// MinTurnBytes is the minimum number of PCM bytes a turn must carry for
	// a close sequence to be worth issuing (about 100 ms of audio). Turns
	// below this are suppressed by the turn manager.
	MinTurnBytes int
}

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one piece of recognised or generated text surfaced by a
// session. Partial entries stream in with Final unset; the closing entry of a
// response carries Final.
type TranscriptEntry struct {
	Role      Role
	Text      string
	Final     bool
	Timestamp time.Time
}

// EventType classifies session lifecycle and protocol events.
type EventType string

const (
	// EventSessionCreated fires when the remote confirms session creation.
	EventSessionCreated EventType = "session.created"

	// EventSessionUpdated fires when the remote acknowledges configuration.
	EventSessionUpdated EventType = "session.updated"

	// EventResponseCreated fires when the remote begins generating a response.
	EventResponseCreated EventType = "response.created"

	// EventResponseDone fires when a response turn completes.
	EventResponseDone EventType = "response.done"

	// EventResponseInterrupted fires when the remote abandons a response
	// mid-stream (endpoint B barge-in).
	EventResponseInterrupted EventType = "response.interrupted"

	// EventSpeechStarted and EventSpeechStopped are the local gate's turn
	// boundaries: started fires once on the transition into speaking,
	// stopped fires on every exit, whether the turn was closed, suppressed
	// or torn down with its session.
	EventSpeechStarted EventType = "speech_started"
	EventSpeechStopped EventType = "speech_stopped"

	// EventRemoteSpeechStarted and EventRemoteSpeechStopped echo the remote
	// endpoint's own speech detector. Informational only: the local gate
	// remains authoritative over turn boundaries.
	EventRemoteSpeechStarted EventType = "remote.speech_started"
	EventRemoteSpeechStopped EventType = "remote.speech_stopped"

	// EventTurnCommitted and EventTurnCleared acknowledge the turn-close
	// sequence steps on endpoint A.
	EventTurnCommitted EventType = "turn.committed"
	EventTurnCleared   EventType = "turn.cleared"

	// EventTranscriptionFailed reports a failed input transcription. The
	// conversation continues without that turn's transcript.
	EventTranscriptionFailed EventType = "transcription.failed"

	// EventUsage carries usage metadata reported by the remote.
	EventUsage EventType = "usage"

	// EventError reports a remote protocol error. Non-fatal: the session
	// stays open.
	EventError EventType = "error"

	// EventReconnecting and EventReconnected trace the reconnection loop
	// around a replaced session.
	EventReconnecting EventType = "reconnect.attempt"
	EventReconnected  EventType = "reconnect.established"

	// EventReconnectFailed is terminal: the retry budget is exhausted and no
	// further automatic recovery happens. Emitted exactly once per outage.
	EventReconnectFailed EventType = "reconnect.failed"
)

// Event is a session lifecycle or protocol notification.
type Event struct {
	Type EventType

	// Message is the human-readable detail, when any.
	Message string

	// Err carries the error for EventError and EventTranscriptionFailed.
	Err error

	// Cause is the outbound control message this event responds to, when the
	// remote supplied a correlation id that matched the pending ledger.
	Cause *PendingEvent

	Timestamp time.Time
}

// SessionHandle represents one open session. It is an interface so test code
// can supply mocks without a live connection.
//
// The session is the hot path of the pipeline — every method must return
// quickly. Audio I/O is channel-based so the single pipeline goroutine is
// never blocked by a slow consumer. All methods are safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one mono s16le PCM chunk at the provider's sample
	// rate. Returns ErrBufferFull when the bounded outbound queue is
	// saturated (the chunk is dropped) and ErrSessionClosed after Close.
	SendAudio(chunk []byte) error

	// StartTurn marks the beginning of a user speech span. Endpoints without
	// an explicit activity-start signal treat this as a no-op.
	StartTurn() error

	// EndTurn runs the endpoint's turn-close sequence: committing pending
	// audio and requesting a response where the protocol requires it. If no
	// audio is pending since the last close, commit steps are skipped.
	EndTurn() error

	// AbortTurn discards any uncommitted audio without requesting a
	// response. The turn manager uses this when a speech span ends below
	// the minimum byte threshold, so the remote buffer cannot leak into the
	// next turn.
	AbortTurn() error

	// InjectText inserts an out-of-band text turn into the conversation.
	InjectText(role Role, text string) error

	// Audio returns a read-only channel emitting raw PCM chunks of the
	// model's synthesised speech. Closed when the session ends; check Err
	// afterwards. Consumers must drain promptly.
	Audio() <-chan []byte

	// Transcripts returns a read-only channel emitting transcript entries
	// for both user input and model output. Closed when the session ends.
	Transcripts() <-chan TranscriptEntry

	// Events returns a read-only channel of lifecycle and protocol events.
	// Events are dropped, never blocked on, when the consumer lags.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil when it
	// ended cleanly.
	Err() error

	// PendingPrune removes correlation records older than the ledger TTL.
	// Called from the maintenance tick. Returns the number pruned.
	PendingPrune() int

	// Close terminates the session and closes all channels. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over a speech-to-speech endpoint.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session. It sends the initial session
	// configuration and returns only after the remote confirms session
	// creation, or fails when ctx expires (callers bound it; providers
	// also enforce their own connect timeout).
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the endpoint.
	Capabilities() Capabilities
}
