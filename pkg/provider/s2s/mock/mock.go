// Package mock provides scriptable in-memory implementations of the s2s
// Provider and SessionHandle interfaces for tests higher up the stack.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*Session)(nil)

// Provider hands out mock sessions. ConnectErrs can be pre-loaded with errors
// to fail the first N connection attempts, which is how reconnection tests
// drive the backoff path.
type Provider struct {
	mu          sync.Mutex
	caps        s2s.Capabilities
	connectErrs []error
	sessions    []*Session
	connects    int
}

// NewProvider creates a mock provider with sane default capabilities.
func NewProvider() *Provider {
	return &Provider{
		caps: s2s.Capabilities{
			SampleRate:         16000,
			MaxSessionDuration: 25 * time.Minute,
			MinTurnBytes:       3200,
		},
	}
}

// SetCapabilities overrides the capabilities reported to callers.
func (p *Provider) SetCapabilities(caps s2s.Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = caps
}

// FailConnects queues errors so that the next len(errs) Connect calls fail in
// order before connections start succeeding again.
func (p *Provider) FailConnects(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErrs = append(p.connectErrs, errs...)
}

// Capabilities implements s2s.Provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// Connect implements s2s.Provider. Each successful call creates a fresh
// Session, retrievable via Sessions or LastSession.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if len(p.connectErrs) > 0 {
		err := p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
		return nil, err
	}
	sess := NewSession()
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// ConnectCount reports how many times Connect was called, failures included.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a recording SessionHandle. Turn operations and audio chunks are
// captured for inspection; inbound traffic is pushed by the test through
// PushAudio, PushTranscript and PushEvent.
type Session struct {
	mu        sync.Mutex
	sent      [][]byte
	ops       []string
	texts     []string
	sendErr   error
	errVal    error
	closed    bool
	pruneRuns int

	audioCh     chan []byte
	transcripts chan s2s.TranscriptEntry
	events      chan s2s.Event
	closeOnce   sync.Once
}

// NewSession creates a standalone mock session, useful when the Provider
// indirection is not needed.
func NewSession() *Session {
	return &Session{
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan s2s.TranscriptEntry, 16),
		events:      make(chan s2s.Event, 32),
	}
}

// FailSends makes every subsequent SendAudio return err. Pass nil to restore
// normal behaviour.
func (s *Session) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Kill simulates a remote-initiated session death: the error becomes visible
// through Err and all outbound channels close, exactly as a real session
// behaves when its read loop dies.
func (s *Session) Kill(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
		close(s.events)
	})
}

// PushAudio delivers a synthesised-audio chunk to the consumer.
func (s *Session) PushAudio(chunk []byte) { s.audioCh <- chunk }

// PushTranscript delivers a transcript entry to the consumer.
func (s *Session) PushTranscript(entry s2s.TranscriptEntry) { s.transcripts <- entry }

// PushEvent delivers a lifecycle event to the consumer.
func (s *Session) PushEvent(ev s2s.Event) { s.events <- ev }

// SentAudio returns a copy of every chunk passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Ops returns the ordered names of the turn operations invoked so far
// ("start", "end", "abort", "close").
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// InjectedTexts returns every text passed to InjectText.
func (s *Session) InjectedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// PruneRuns reports how many times PendingPrune was invoked.
func (s *Session) PruneRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneRuns
}

func (s *Session) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.ops = append(s.ops, op)
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), chunk...))
	return nil
}

func (s *Session) StartTurn() error { return s.record("start") }
func (s *Session) EndTurn() error   { return s.record("end") }
func (s *Session) AbortTurn() error { return s.record("abort") }

func (s *Session) InjectText(role s2s.Role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *Session) Audio() <-chan []byte                    { return s.audioCh }
func (s *Session) Transcripts() <-chan s2s.TranscriptEntry { return s.transcripts }
func (s *Session) Events() <-chan s2s.Event                { return s.events }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) PendingPrune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneRuns++
	return 0
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
		close(s.events)
	})
	return nil
}
