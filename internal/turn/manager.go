// Package turn owns the per-session voice pipeline: it feeds captured audio
// through the voice-activity gate, converts speech spans to the endpoint's
// PCM format, and drives the provider's turn protocol around them.
//
// Pipeline state is single-threaded: ProcessAudioChunk must be called from
// one goroutine at a time (a single capture callback feeding one queue
// satisfies this), and the two background timers reach turn state only
// through the same gated transition logic as the main path.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/MrWong99/voicegate/pkg/provider/s2s"
	"github.com/MrWong99/voicegate/pkg/vad"
)

const (
	// watchdogInterval is how often the silence watchdog checks the time
	// since the last audio buffer.
	watchdogInterval = 50 * time.Millisecond

	// maintenanceInterval is how often session age and the pending ledger
	// are inspected.
	maintenanceInterval = 5 * time.Minute

	// outwardBufDepth is the buffer depth of the channels exposed to the
	// application layer.
	outwardBufDepth = 64
)

var (
	// ErrNotInitialized is returned when the pipeline is used before
	// Initialize succeeded.
	ErrNotInitialized = errors.New("turn: manager not initialized")

	// ErrStopped is returned when the pipeline is used after Stop.
	ErrStopped = errors.New("turn: manager stopped")
)

// Connector supplies sessions and the retry policy around them.
// *session.Reconnector is the production implementation.
type Connector interface {
	Connect(ctx context.Context) (s2s.SessionHandle, error)
	Reconnect(ctx context.Context) (s2s.SessionHandle, error)
	RefreshDue(start time.Time) bool
	Capabilities() s2s.Capabilities
	Events() <-chan s2s.Event
	Stop()
}

// VADSettings bundles everything the voice-activity stage consumes.
type VADSettings struct {
	// Gate configures hysteresis and the adaptive noise floor.
	Gate vad.Config

	// Aggressiveness selects the classifier strictness, 0 (lenient) to
	// 3 (strict).
	Aggressiveness int

	// SilenceTimeout is how long the watchdog waits after the last audio
	// buffer before force-closing an open turn. Defaults to the gate's
	// release time when zero.
	SilenceTimeout time.Duration
}

// DebugSettings toggles verbose pipeline logging at runtime.
type DebugSettings struct {
	// LogBuffers logs every processed audio buffer with its RMS level.
	LogBuffers bool

	// LogTransitions raises gate transitions from debug to info level.
	LogTransitions bool
}

// Config configures a Manager.
type Config struct {
	// VAD configures the voice-activity stage.
	VAD VADSettings

	// IngestSampleRate is the rate of captured audio. Defaults to
	// audio.IngestSampleRate when zero.
	IngestSampleRate int

	// Metrics receives the pipeline instruments (turns, chunks, latency).
	// Defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics
}

// Manager runs one session's pipeline from captured audio to protocol turns.
// All exported methods are safe for concurrent use, but ProcessAudioChunk
// deliveries themselves must be serialized by the caller.
type Manager struct {
	conn    Connector
	log     *slog.Logger
	metrics *observe.Metrics

	mu           sync.Mutex
	cfg          Config
	det          *vad.Detector
	gate         *vad.Gate
	resampler    *audio.Resampler
	caps         s2s.Capabilities
	sess         s2s.SessionHandle
	sessionStart time.Time
	bytesSent    int
	lastAudio    time.Time
	silenceAfter time.Duration
	debug        DebugSettings
	initialized  bool
	started      bool
	stopped      bool

	// turnStart marks the last transition into speaking; responseWait marks
	// the last EndTurn, cleared when the first reply audio arrives.
	turnStart    time.Time
	responseWait time.Time

	counters counters

	audioOut    chan []byte
	transcripts chan s2s.TranscriptEntry
	events      chan s2s.Event
	closeOut    sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a Manager on top of conn. The logger may be nil.
func NewManager(conn Connector, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IngestSampleRate <= 0 {
		cfg.IngestSampleRate = audio.IngestSampleRate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		conn:        conn,
		log:         log,
		metrics:     cfg.Metrics,
		cfg:         cfg,
		audioOut:    make(chan []byte, outwardBufDepth),
		transcripts: make(chan s2s.TranscriptEntry, outwardBufDepth),
		events:      make(chan s2s.Event, outwardBufDepth),
	}
}

// Initialize builds the pipeline stages and opens the initial session. It
// must be called once, before Start.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.initialized {
		return fmt.Errorf("turn: already initialized")
	}

	det, err := vad.NewDetector(m.cfg.VAD.Aggressiveness, m.cfg.IngestSampleRate)
	if err != nil {
		return fmt.Errorf("turn: detector: %w", err)
	}

	m.caps = m.conn.Capabilities()
	rs, err := audio.NewResampler(m.cfg.IngestSampleRate, m.caps.SampleRate)
	if err != nil {
		// A nil resampler selects the 2:1 decimation fallback, which only
		// covers the exact halving case.
		if m.cfg.IngestSampleRate != 2*m.caps.SampleRate {
			return fmt.Errorf("turn: resampler: %w", err)
		}
		m.log.Warn("resampler unavailable, using 2:1 decimation", "error", err)
		rs = nil
	}

	sess, err := m.conn.Connect(ctx)
	if err != nil {
		return fmt.Errorf("turn: connect: %w", err)
	}

	m.det = det
	m.gate = vad.NewGate(m.cfg.VAD.Gate, det)
	m.resampler = rs
	m.sess = sess
	m.sessionStart = time.Now()
	m.silenceAfter = m.cfg.VAD.SilenceTimeout
	if m.silenceAfter <= 0 {
		m.silenceAfter = time.Duration(m.gate.Config().ReleaseMs) * time.Millisecond
	}
	m.initialized = true
	return nil
}

// Start launches the background loops: session consumption, the silence
// watchdog, the maintenance tick, and reconnect-event forwarding. It returns
// immediately; the loops run until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return fmt.Errorf("turn: already started")
	}
	m.started = true

	m.runCtx, m.runCancel = context.WithCancel(ctx)

	m.wg.Add(4)
	go m.consumeSession(m.sess)
	go m.watchdogLoop()
	go m.maintenanceLoop()
	go m.forwardReconnectEvents()
	return nil
}

// ProcessAudioChunk feeds one captured buffer through detection and, while
// the gate reports Speaking, the format pipeline and the protocol client.
// It always refreshes the watchdog's last-audio timestamp.
func (m *Manager) ProcessAudioChunk(frame audio.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}
	if m.stopped {
		return ErrStopped
	}

	m.counters.chunksProcessed.Add(1)
	m.lastAudio = time.Now()

	if m.debug.LogBuffers {
		m.log.Debug("audio buffer",
			"samples", len(frame.Samples),
			"rms", audio.RMS(frame.Samples),
			"speaking", m.gate.Speaking(),
		)
	}

	tr := m.gate.ProcessBuffer(frame.Samples)
	if tr == vad.TransitionSpeechStarted {
		m.openTurnLocked()
	}

	if m.gate.Speaking() && m.sess != nil {
		m.forwardLocked(frame)
	}

	if tr == vad.TransitionSpeechStopped {
		m.logTransition(tr)
		m.closeTurnLocked()
	}
	return nil
}

// openTurnLocked begins a new turn. Callers hold m.mu.
func (m *Manager) openTurnLocked() {
	m.logTransition(vad.TransitionSpeechStarted)
	m.bytesSent = 0
	m.turnStart = time.Now()
	m.counters.turnsOpened.Add(1)
	m.emit(s2s.Event{Type: s2s.EventSpeechStarted, Timestamp: m.turnStart})
	if m.sess == nil {
		return
	}
	if err := m.sess.StartTurn(); err != nil {
		m.log.Warn("turn open failed", "error", err)
	}
}

// forwardLocked converts one buffer to the endpoint's PCM format and ships
// it. A drop from backpressure is counted, never fatal. Callers hold m.mu.
func (m *Manager) forwardLocked(frame audio.Frame) {
	var samples []float32
	switch {
	case m.cfg.IngestSampleRate == m.caps.SampleRate:
		samples = frame.Samples
	case m.resampler != nil:
		samples = m.resampler.Process(frame.Samples)
	default:
		samples = audio.DecimateHalf(frame.Samples)
	}
	if len(samples) == 0 {
		return
	}

	pcm := audio.FloatToPCM16(samples)
	switch err := m.sess.SendAudio(pcm); {
	case err == nil:
		m.counters.chunksSent.Add(1)
		m.metrics.RecordChunk(context.Background(), "sent")
		m.bytesSent += len(pcm)
	case errors.Is(err, s2s.ErrBufferFull):
		m.counters.chunksDropped.Add(1)
		m.metrics.RecordChunk(context.Background(), "dropped")
	default:
		m.counters.chunksDropped.Add(1)
		m.metrics.RecordChunk(context.Background(), "dropped")
		m.log.Warn("audio send failed", "error", err)
	}
}

// closeTurnLocked ends the current turn. Below the endpoint's minimum byte
// threshold the close is suppressed and the remote buffer discarded instead,
// so a near-silent span never produces an empty response. Callers hold m.mu.
func (m *Manager) closeTurnLocked() {
	bytes := m.bytesSent
	m.bytesSent = 0
	if m.resampler != nil {
		m.resampler.Reset()
	}

	elapsed := time.Since(m.turnStart)
	m.emit(s2s.Event{Type: s2s.EventSpeechStopped, Timestamp: time.Now()})

	if m.sess == nil {
		return
	}
	if bytes >= m.caps.MinTurnBytes {
		if err := m.sess.EndTurn(); err != nil {
			m.log.Warn("turn close failed", "error", err)
			return
		}
		m.counters.turnsClosed.Add(1)
		m.metrics.RecordTurn(context.Background(), "closed", elapsed.Seconds())
		m.metrics.TurnBytes.Record(context.Background(), int64(bytes))
		m.responseWait = time.Now()
		return
	}

	m.log.Debug("turn below minimum, aborting",
		"bytes", bytes,
		"min_bytes", m.caps.MinTurnBytes,
	)
	if err := m.sess.AbortTurn(); err != nil {
		m.log.Warn("turn abort failed", "error", err)
		return
	}
	m.counters.turnsSuppressed.Add(1)
	m.metrics.RecordTurn(context.Background(), "suppressed", elapsed.Seconds())
}

func (m *Manager) logTransition(tr vad.Transition) {
	if m.debug.LogTransitions {
		m.log.Info("gate transition", "transition", tr.String())
		return
	}
	m.log.Debug("gate transition", "transition", tr.String())
}

// watchdogLoop force-closes an open turn when no audio buffer has arrived
// for the silence timeout, covering capture stalls the gate itself can
// never observe.
func (m *Manager) watchdogLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.gate.Speaking() && !m.lastAudio.IsZero() && time.Since(m.lastAudio) >= m.silenceAfter {
				if tr := m.gate.ForceStop(); tr == vad.TransitionSpeechStopped {
					m.log.Debug("watchdog forced turn close",
						"idle", time.Since(m.lastAudio),
					)
					m.closeTurnLocked()
				}
			}
			m.mu.Unlock()
		}
	}
}

// maintenanceLoop prunes the pending ledger and refreshes the session ahead
// of the provider's lifetime ceiling.
func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			sess := m.sess
			start := m.sessionStart
			m.mu.Unlock()

			if sess == nil {
				continue
			}
			if n := sess.PendingPrune(); n > 0 {
				m.log.Debug("pruned stale pending records", "count", n)
			}
			if m.conn.RefreshDue(start) {
				m.log.Info("session nearing lifetime ceiling, refreshing",
					"age", time.Since(start),
				)
				m.replaceSession(sess)
			}
		}
	}
}

// consumeSession fans a session's inbound traffic out to the stable
// application-facing channels. When the session dies underneath us it kicks
// off reconnection, unless the session was already replaced.
func (m *Manager) consumeSession(sess s2s.SessionHandle) {
	defer m.wg.Done()

	audioCh := sess.Audio()
	transcriptCh := sess.Transcripts()
	eventCh := sess.Events()

	for eventCh != nil || audioCh != nil || transcriptCh != nil {
		select {
		case <-m.runCtx.Done():
			return

		case chunk, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			m.noteResponseAudio()
			select {
			case m.audioOut <- chunk:
			case <-m.runCtx.Done():
				return
			}

		case entry, ok := <-transcriptCh:
			if !ok {
				transcriptCh = nil
				continue
			}
			if entry.Final {
				m.counters.transcripts.Add(1)
			}
			select {
			case m.transcripts <- entry:
			case <-m.runCtx.Done():
				return
			}

		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			if ev.Type == s2s.EventResponseDone {
				m.counters.responses.Add(1)
				m.metrics.Responses.Add(context.Background(), 1)
			}
			if ev.Type == s2s.EventError {
				m.log.Warn("protocol error", "detail", ev.Err, "cause", causeName(ev.Cause))
			}
			m.emit(ev)
		}
	}

	// All channels closed: the session's read loop died.
	if err := sess.Err(); err != nil {
		m.log.Warn("session lost", "error", err)
	}
	m.handleSessionLoss(sess)
}

// noteResponseAudio records the close-to-first-audio latency for the turn
// whose EndTurn is still awaiting its reply.
func (m *Manager) noteResponseAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.responseWait.IsZero() {
		return
	}
	m.metrics.ResponseLatency.Record(context.Background(), time.Since(m.responseWait).Seconds())
	m.responseWait = time.Time{}
}

func causeName(p *s2s.PendingEvent) string {
	if p == nil {
		return ""
	}
	return p.Type
}

// handleSessionLoss reconnects after an unexpected session death. A session
// that was already replaced (refresh raced with death) is ignored.
func (m *Manager) handleSessionLoss(old s2s.SessionHandle) {
	if m.runCtx.Err() != nil {
		return
	}
	m.mu.Lock()
	current := m.sess == old
	if current {
		m.sess = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	m.reconnect(old)
}

// replaceSession proactively swaps in a fresh session before the current one
// expires.
func (m *Manager) replaceSession(old s2s.SessionHandle) {
	m.reconnect(old)
}

// reconnect obtains a new session through the Connector's retry policy and
// installs it. On terminal failure the pipeline stays up but disconnected;
// the terminal event has already been forwarded to the caller.
func (m *Manager) reconnect(old s2s.SessionHandle) {
	newSess, err := m.conn.Reconnect(m.runCtx)
	if err != nil {
		m.log.Error("session replacement failed", "error", err)
		m.mu.Lock()
		if m.sess == old {
			m.sess = nil
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = newSess.Close()
		_ = old.Close()
		return
	}
	m.sess = newSess
	m.sessionStart = time.Now()
	m.bytesSent = 0
	m.responseWait = time.Time{}
	if m.resampler != nil {
		m.resampler.Reset()
	}
	if m.gate.Speaking() {
		// The open turn died with its session; close out locally.
		if tr := m.gate.ForceStop(); tr == vad.TransitionSpeechStopped {
			m.emit(s2s.Event{Type: s2s.EventSpeechStopped, Timestamp: time.Now()})
		}
	}
	m.mu.Unlock()
	m.counters.reconnects.Add(1)

	_ = old.Close()

	m.wg.Add(1)
	go m.consumeSession(newSess)
}

// forwardReconnectEvents pushes the Connector's reconnect lifecycle events
// onto the manager's event channel.
func (m *Manager) forwardReconnectEvents() {
	defer m.wg.Done()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case ev, ok := <-m.conn.Events():
			if !ok {
				return
			}
			m.emit(ev)
		}
	}
}

// emit delivers an event to the application without ever blocking pipeline
// goroutines.
func (m *Manager) emit(ev s2s.Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// SetVADConfig replaces the voice-activity configuration at runtime. Gate
// state (speaking, counters, noise floor) is preserved.
func (m *Manager) SetVADConfig(v VADSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}
	if err := m.det.SetMode(v.Aggressiveness); err != nil {
		return fmt.Errorf("turn: %w", err)
	}
	m.gate.SetConfig(v.Gate)
	m.cfg.VAD = v
	if v.SilenceTimeout > 0 {
		m.silenceAfter = v.SilenceTimeout
	} else {
		m.silenceAfter = time.Duration(m.gate.Config().ReleaseMs) * time.Millisecond
	}
	return nil
}

// SetDebugSettings replaces the debug logging toggles at runtime.
func (m *Manager) SetDebugSettings(d DebugSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debug = d
}

// Stats returns a snapshot of the pipeline counters and connection state.
func (m *Manager) Stats() Stats {
	s := m.counters.snapshot()
	m.mu.Lock()
	s.Connected = m.sess != nil && m.sess.Err() == nil
	if m.gate != nil {
		s.Speaking = m.gate.Speaking()
	}
	s.LastActivity = m.lastAudio
	m.mu.Unlock()
	return s
}

// ModelAudio returns the stable channel carrying the model's synthesised
// audio across session replacements. Closed by Stop.
func (m *Manager) ModelAudio() <-chan []byte { return m.audioOut }

// Transcripts returns the stable transcript channel. Closed by Stop.
func (m *Manager) Transcripts() <-chan s2s.TranscriptEntry { return m.transcripts }

// Events returns the stable lifecycle event channel. Closed by Stop.
func (m *Manager) Events() <-chan s2s.Event { return m.events }

// Disconnect releases the current session without tearing down the pipeline.
// The next maintenance-driven or loss-driven reconnect can reattach. Safe to
// call at any time.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	if m.gate != nil && m.gate.Speaking() {
		if tr := m.gate.ForceStop(); tr == vad.TransitionSpeechStopped {
			m.emit(s2s.Event{Type: s2s.EventSpeechStopped, Timestamp: time.Now()})
		}
	}
	m.bytesSent = 0
	m.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// Stop tears the pipeline down: background loops exit, the session closes,
// and the outward channels close. Idempotent and callable from any state;
// no delivery happens after it returns.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sess := m.sess
	m.sess = nil
	started := m.started
	if m.resampler != nil {
		m.resampler.Reset()
	}
	if m.gate != nil {
		m.gate.Reset()
	}
	m.mu.Unlock()

	m.conn.Stop()
	if started {
		m.runCancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
	m.wg.Wait()

	m.closeOut.Do(func() {
		close(m.audioOut)
		close(m.transcripts)
		close(m.events)
	})
	return nil
}
