// Package gemini implements the s2s.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM inside realtimeInput
// envelopes, and turn boundaries are signalled explicitly with activityStart
// and activityEnd markers since automatic activity detection is disabled at
// setup.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// connectTimeout bounds the dial plus the wait for setupComplete.
	connectTimeout = 10 * time.Second

	// maxSessionDuration is the remote-imposed session lifetime ceiling.
	maxSessionDuration = 25 * time.Minute

	// transportSampleRate is the PCM16 rate this endpoint consumes.
	transportSampleRate = 16000

	// minTurnBytes is ~100 ms of mono 16 kHz PCM16.
	minTurnBytes = 3200

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	sendQueueDepth     = 64
	audioBufDepth      = 64
	transcriptBufDepth = 16
	eventBufDepth      = 32
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live endpoint.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		SampleRate:         transportSampleRate,
		MaxSessionDuration: maxSessionDuration,
		MinTurnBytes:       minTurnBytes,
	}
}

// Connect dials the endpoint, sends the setup message, and returns only after
// the remote answers with setupComplete. The attempt fails after 10 seconds.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		sendQueue:   make(chan any, sendQueueDepth),
		audioCh:     make(chan []byte, audioBufDepth),
		transcripts: make(chan s2s.TranscriptEntry, transcriptBufDepth),
		events:      make(chan s2s.Event, eventBufDepth),
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSetup(dialCtx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	if err := sess.awaitSetupComplete(dialCtx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "no setup confirmation")
		return nil, fmt.Errorf("gemini: await setupComplete: %w", err)
	}

	go sess.writeLoop()
	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	RealtimeInputConfig      *realtimeInputCfg  `json:"realtimeInputConfig,omitempty"`
	InputAudioTranscription  *json.RawMessage   `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *json.RawMessage   `json:"outputAudioTranscription,omitempty"`
}

type realtimeInputCfg struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

// automaticActivityDetection disables the server-side detector; the local
// voice-activity gate is authoritative for turn boundaries.
type automaticActivityDetection struct {
	Disabled bool `json:"disabled"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio         *audioBlob       `json:"audio,omitempty"`
	ActivityStart *json.RawMessage `json:"activityStart,omitempty"`
	ActivityEnd   *json.RawMessage `json:"activityEnd,omitempty"`
}

type audioBlob struct {
	Data     string `json:"data"` // base64-encoded
	MIMEType string `json:"mimeType"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// emptyObject marshals to {} for the activity markers and transcription
// enable flags.
var emptyObject = json.RawMessage(`{}`)

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	UsageMetadata *usageMetadata   `json:"usageMetadata,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type usageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	sendQueue chan any

	audioCh     chan []byte
	transcripts chan s2s.TranscriptEntry
	events      chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	done chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup writes the BidiGenerateContent setup message synchronously; the
// write loop is not running yet during Connect.
func (s *session) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			RealtimeInputConfig: &realtimeInputCfg{
				AutomaticActivityDetection: automaticActivityDetection{Disabled: true},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &emptyObject
		msg.Setup.OutputAudioTranscription = &emptyObject
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSetupComplete reads messages until the remote acknowledges the setup.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("remote error before setupComplete: %s", msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			s.emitEvent(s2s.Event{Type: s2s.EventSessionCreated})
			return nil
		}
	}
}

// enqueueControl queues a control message, blocking until there is room or
// the session ends. Control messages are never dropped; only audio is.
func (s *session) enqueueControl(payload any) error {
	select {
	case s.sendQueue <- payload:
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
		case payload := <-s.sendQueue:
			data, err := json.Marshal(payload)
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

// receiveLoop reads messages from the WebSocket and dispatches them.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		message := "unknown error"
		if msg.Error.Message != "" {
			message = msg.Error.Message
		}
		s.emitEvent(s2s.Event{
			Type: s2s.EventError,
			Err:  fmt.Errorf("gemini: %s", message),
		})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.UsageMetadata != nil {
		s.emitEvent(s2s.Event{
			Type:    s2s.EventUsage,
			Message: fmt.Sprintf("tokens prompt=%d response=%d total=%d", msg.UsageMetadata.PromptTokenCount, msg.UsageMetadata.ResponseTokenCount, msg.UsageMetadata.TotalTokenCount),
		})
	}
	if msg.GoAway != nil {
		// The remote will drop the connection shortly; surface it so the
		// session layer can refresh proactively.
		s.emitEvent(s2s.Event{
			Type:    s2s.EventError,
			Err:     fmt.Errorf("gemini: connection termination announced"),
			Message: "goAway",
		})
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		s.emitEvent(s2s.Event{Type: s2s.EventResponseInterrupted})
	}

	if sc.ModelTurn != nil {
		// Emit audio chunks and text transcript parts in a single pass.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				select {
				case s.audioCh <- audioData:
				case <-s.ctx.Done():
					return
				}
			}
			if p.Text != "" {
				s.emitTranscript(s2s.RoleAssistant, p.Text, false)
			}
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emitTranscript(s2s.RoleUser, sc.InputTranscription.Text, true)
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emitTranscript(s2s.RoleAssistant, sc.OutputTranscription.Text, false)
	}

	if sc.TurnComplete {
		s.emitEvent(s2s.Event{Type: s2s.EventResponseDone})
	}
}

// keepaliveLoop sends WebSocket pings to keep the Live connection open
// across silent stretches.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
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

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one raw PCM chunk (16 kHz, s16le, mono) to the model.
// The chunk is dropped with ErrBufferFull when the outbound queue is
// saturated.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &audioBlob{
				Data:     base64.StdEncoding.EncodeToString(chunk),
				MIMEType: "audio/pcm;rate=16000",
			},
		},
	}
	select {
	case s.sendQueue <- msg:
		return nil
	default:
		return s2s.ErrBufferFull
	}
}

// StartTurn signals the beginning of user activity. Required because
// automatic activity detection is disabled at setup.
func (s *session) StartTurn() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.enqueueControl(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityStart: &emptyObject},
	})
}

// EndTurn signals the end of user activity; the model responds to everything
// streamed since the matching StartTurn.
func (s *session) EndTurn() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.enqueueControl(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &emptyObject},
	})
}

// AbortTurn is a no-op: this endpoint holds no server-side input buffer that
// survives an unanswered activity span, so there is nothing to discard.
func (s *session) AbortTurn() error {
	return s.checkOpen()
}

// InjectText inserts an out-of-band text turn into the conversation.
func (s *session) InjectText(role s2s.Role, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	r := "user"
	if role == s2s.RoleAssistant {
		r = "model"
	}
	return s.enqueueControl(clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: r, Parts: []part{{Text: text}}}},
			TurnComplete: true,
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

// PendingPrune is a no-op: this protocol carries no client event ids, so no
// correlation records accumulate.
func (s *session) PendingPrune() int { return 0 }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop, writeLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
