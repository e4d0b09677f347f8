// Package openai implements the s2s.Provider interface for a WebSocket
// realtime speech endpoint speaking the OpenAI Realtime event protocol.
//
// It holds one bidirectional WebSocket connection per session and exchanges
// JSON events: audio is transmitted as base64-encoded PCM16 chunks appended
// to a server-side input buffer, and a turn is closed by committing that
// buffer, requesting a response, and clearing it for the next turn. Outbound
// control messages carry client event ids so that remote error events can be
// correlated back to their cause.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// connectTimeout bounds the dial plus the wait for session.created.
	connectTimeout = 10 * time.Second

	// maxSessionDuration is the remote-imposed session lifetime ceiling.
	maxSessionDuration = 30 * time.Minute

	// transportSampleRate is the PCM16 rate this endpoint consumes.
	transportSampleRate = 24000

	// minTurnBytes is ~100 ms of mono 24 kHz PCM16.
	minTurnBytes = 4800

	sendQueueDepth     = 64
	audioBufDepth      = 64
	transcriptBufDepth = 16
	eventBufDepth      = 32
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for the Realtime WebSocket endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Realtime endpoint.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		SampleRate:         transportSampleRate,
		MaxSessionDuration: maxSessionDuration,
		MinTurnBytes:       minTurnBytes,
	}
}

// Connect dials the endpoint, sends the initial session configuration, and
// returns only after the remote confirms session creation. The attempt fails
// after 10 seconds.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		pending:     s2s.NewPendingLedger(s2s.DefaultPendingTTL),
		sendQueue:   make(chan outboundMessage, sendQueueDepth),
		modalities:  modalities,
		audioCh:     make(chan []byte, audioBufDepth),
		transcripts: make(chan s2s.TranscriptEntry, transcriptBufDepth),
		events:      make(chan s2s.Event, eventBufDepth),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(dialCtx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	// The remote announces the session before accepting audio; messages that
	// arrive ahead of session.created are dispatched as usual.
	if err := sess.awaitSessionCreated(dialCtx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "no session confirmation")
		return nil, fmt.Errorf("openai: await session.created: %w", err)
	}

	go sess.writeLoop()
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	EventID string        `json:"event_id,omitempty"`
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string            `json:"modalities,omitempty"`
	Voice              string              `json:"voice,omitempty"`
	Instructions       string              `json:"instructions,omitempty"`
	InputAudioFormat   string              `json:"input_audio_format"`
	OutputAudioFormat  string              `json:"output_audio_format"`
	InputTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`

	// TurnDetection is always present and null: the local voice-activity
	// gate is authoritative, the remote detector must stay out of the way.
	TurnDetection *struct{} `json:"turn_detection"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type controlMessage struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

type responseCreateMessage struct {
	EventID  string         `json:"event_id,omitempty"`
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []string `json:"modalities,omitempty"`
}

type createItemMessage struct {
	EventID string           `json:"event_id,omitempty"`
	Type    string           `json:"type"`
	Item    conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// outboundMessage pairs a marshalable payload with the ledger entry recorded
// when it was enqueued.
type outboundMessage struct {
	payload any
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"...","event_id":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.text.delta /
	// response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	pending   *s2s.PendingLedger
	sendQueue chan outboundMessage

	// modalities is requested on every response.create.
	modalities []string

	audioCh     chan []byte
	transcripts chan s2s.TranscriptEntry
	events      chan s2s.Event

	mu           sync.Mutex
	errVal       error
	closed       bool
	audioPending bool // unflushed audio since the last commit/clear

	// currentTxText accumulates response.audio_transcript.delta events until
	// the matching done event.
	currentTxText string
	// currentText accumulates response.text.delta events.
	currentText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate writes the session.update event synchronously; the write
// loop is not running yet during Connect.
func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Modalities:        cfg.Modalities,
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
	}
	if cfg.Transcription {
		params.InputTranscription = &transcriptionParam{Model: "whisper-1"}
	}

	id := s.pending.NextID("evt")
	s.pending.Record(id, "session.update")

	data, err := json.Marshal(sessionUpdateMessage{EventID: id, Type: "session.update", Session: params})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSessionCreated reads events until the remote announces the session.
// Any other events that arrive first are dispatched normally.
func (s *session) awaitSessionCreated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)

		if evt.Type == "session.created" {
			return nil
		}
		if evt.Type == "error" {
			msg := "session refused"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return fmt.Errorf("remote error before session.created: %s", msg)
		}
	}
}

// enqueueControl queues a control message, blocking until there is room or
// the session ends. Control messages are never dropped; only audio is.
func (s *session) enqueueControl(payload any) error {
	select {
	case s.sendQueue <- outboundMessage{payload: payload}:
		return nil
	case <-s.ctx.Done():
		return s2s.ErrSessionClosed
	}
}

// writeLoop serializes all outbound traffic onto the connection.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendQueue:
			data, err := json.Marshal(msg.payload)
			if err != nil {
				continue
			}
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(err)
					s.cancel()
				}
				return
			}
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the outbound channels: it closes them all when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue // skip malformed frames
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		s.emitEvent(s2s.Event{Type: s2s.EventSessionCreated})

	case "session.updated":
		s.emitEvent(s2s.Event{Type: s2s.EventSessionUpdated})

	case "response.created":
		s.emitEvent(s2s.Event{Type: s2s.EventResponseCreated})

	case "response.done":
		s.emitEvent(s2s.Event{Type: s2s.EventResponseDone})

	case "response.cancelled":
		s.emitEvent(s2s.Event{Type: s2s.EventResponseInterrupted})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
		}

	case "response.audio.done":
		// Audio stream for this response is complete; response.done follows.

	case "response.text.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentText += evt.Delta
		s.mu.Unlock()
		s.emitTranscript(s2s.RoleAssistant, evt.Delta, false)

	case "response.text.done":
		s.mu.Lock()
		text := s.currentText
		s.currentText = ""
		s.mu.Unlock()
		if text == "" {
			text = evt.Text
		}
		if text != "" {
			s.emitTranscript(s2s.RoleAssistant, text, true)
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()
		s.emitTranscript(s2s.RoleAssistant, evt.Delta, false)

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()
		if text != "" {
			s.emitTranscript(s2s.RoleAssistant, text, true)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			s.emitTranscript(s2s.RoleUser, evt.Transcript, true)
		}

	case "conversation.item.input_audio_transcription.failed":
		s.emitEvent(s2s.Event{
			Type: s2s.EventTranscriptionFailed,
			Err:  errFromDetail(evt.Error),
		})

	case "input_audio_buffer.speech_started":
		s.emitEvent(s2s.Event{Type: s2s.EventRemoteSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emitEvent(s2s.Event{Type: s2s.EventRemoteSpeechStopped})

	case "input_audio_buffer.committed":
		s.emitEvent(s2s.Event{Type: s2s.EventTurnCommitted})

	case "input_audio_buffer.cleared":
		s.emitEvent(s2s.Event{Type: s2s.EventTurnCleared})

	case "error":
		s.handleErrorEvent(evt)
	}
}

func (s *session) handleErrorEvent(evt *serverEvent) {
	ev := s2s.Event{Type: s2s.EventError, Err: errFromDetail(evt.Error)}
	if evt.Error != nil {
		if cause, ok := s.pending.Lookup(evt.Error.EventID); ok {
			ev.Cause = &cause
			ev.Message = fmt.Sprintf("in response to %s", cause.Type)
		}
	}
	s.emitEvent(ev)
}

func errFromDetail(d *serverErrorDetail) error {
	if d == nil {
		return fmt.Errorf("openai: unknown error")
	}
	if d.Code != "" {
		return fmt.Errorf("openai: %s (%s)", d.Message, d.Code)
	}
	return fmt.Errorf("openai: %s", d.Message)
}

// emitEvent delivers a lifecycle event without ever blocking the read loop;
// events are informational and may be dropped when the consumer lags.
func (s *session) emitEvent(ev s2s.Event) {
	ev.Timestamp = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

func (s *session) emitTranscript(role s2s.Role, text string, final bool) {
	entry := s2s.TranscriptEntry{Role: role, Text: text, Final: final, Timestamp: time.Now()}
	select {
	case s.transcripts <- entry:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
		close(s.events)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends one PCM16 chunk to the remote input buffer. The chunk is
// dropped with ErrBufferFull when the outbound queue is saturated.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	select {
	case s.sendQueue <- outboundMessage{payload: msg}:
	default:
		return s2s.ErrBufferFull
	}

	s.mu.Lock()
	s.audioPending = true
	s.mu.Unlock()
	return nil
}

// StartTurn is a no-op: this endpoint has no explicit activity-start signal,
// audio appended to the input buffer opens the turn implicitly.
func (s *session) StartTurn() error { return nil }

// EndTurn runs the turn-close sequence: commit the pending input buffer,
// request a response, and clear the buffer for the next turn. When no audio
// has been appended since the last commit/clear the whole sequence is
// skipped — there is nothing to respond to.
func (s *session) EndTurn() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	pending := s.audioPending
	s.audioPending = false
	s.mu.Unlock()

	if !pending {
		return nil
	}

	commitID := s.pending.NextID("evt")
	s.pending.Record(commitID, "input_audio_buffer.commit")
	if err := s.enqueueControl(controlMessage{EventID: commitID, Type: "input_audio_buffer.commit"}); err != nil {
		return err
	}

	respID := s.pending.NextID("evt")
	s.pending.Record(respID, "response.create")
	if err := s.enqueueControl(responseCreateMessage{
		EventID:  respID,
		Type:     "response.create",
		Response: responseParams{Modalities: s.modalities},
	}); err != nil {
		return err
	}

	clearID := s.pending.NextID("evt")
	s.pending.Record(clearID, "input_audio_buffer.clear")
	return s.enqueueControl(controlMessage{EventID: clearID, Type: "input_audio_buffer.clear"})
}

// AbortTurn clears any uncommitted audio without requesting a response. Used
// for speech spans below the minimum byte threshold so the remote buffer
// cannot leak into the next turn.
func (s *session) AbortTurn() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	pending := s.audioPending
	s.audioPending = false
	s.mu.Unlock()

	if !pending {
		return nil
	}

	id := s.pending.NextID("evt")
	s.pending.Record(id, "input_audio_buffer.clear")
	return s.enqueueControl(controlMessage{EventID: id, Type: "input_audio_buffer.clear"})
}

// InjectText inserts an out-of-band text item into the conversation.
func (s *session) InjectText(role s2s.Role, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s2s.ErrSessionClosed
	}
	s.mu.Unlock()

	partType := "input_text"
	r := "user"
	if role == s2s.RoleAssistant {
		partType = "text"
		r = "assistant"
	}
	return s.enqueueControl(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    r,
			Content: []conversationPart{{Type: partType, Text: text}},
		},
	})
}

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Transcripts returns the channel on which transcript entries arrive.
func (s *session) Transcripts() <-chan s2s.TranscriptEntry { return s.transcripts }

// Events returns the session's lifecycle event channel.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// PendingPrune garbage-collects stale correlation records.
func (s *session) PendingPrune() int { return s.pending.Prune() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
