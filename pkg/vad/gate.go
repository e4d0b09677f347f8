package vad

import (
	"math"
	"time"
)

// Defaults for [Config]. Exposed so config validation and tests can refer to
// the same values the gate falls back to.
const (
	DefaultHoldMs          = 200
	DefaultReleaseMs       = 2000
	DefaultThreshold       = 0.40
	DefaultNoiseFloorAlpha = 0.95
	DefaultNoiseFloorRatio = 2.0

	// frameMs is the classification frame size the gate carves buffers into.
	frameMs = 20

	// maxVoicedDuration is the safety valve: a speaking segment that
	// accumulates this much voiced time without closing is forcibly stopped,
	// guarding against a stuck-high detector.
	maxVoicedDuration = 30 * time.Second
)

// Config holds the tunable parameters of the voice-activity gate.
type Config struct {
	// HoldMs is the continuous voiced time required to enter Speaking.
	HoldMs int

	// ReleaseMs is the continuous silent time required to leave Speaking.
	ReleaseMs int

	// Threshold is the fraction of speech-positive frames a buffer needs to
	// count as a voiced buffer. Range (0, 1].
	Threshold float64

	// AdaptiveNoiseFloor enables the smoothed noise-floor energy gate on top
	// of the frame classifier.
	AdaptiveNoiseFloor bool

	// NoiseFloorAlpha is the EWMA smoothing factor for the noise floor.
	NoiseFloorAlpha float64

	// NoiseFloorRatio is the multiple of the noise floor a frame's energy
	// must exceed to count as speech.
	NoiseFloorRatio float64
}

// DefaultConfig returns a Config with the documented default values.
func DefaultConfig() Config {
	return Config{
		HoldMs:             DefaultHoldMs,
		ReleaseMs:          DefaultReleaseMs,
		Threshold:          DefaultThreshold,
		AdaptiveNoiseFloor: true,
		NoiseFloorAlpha:    DefaultNoiseFloorAlpha,
		NoiseFloorRatio:    DefaultNoiseFloorRatio,
	}
}

// sanitize replaces zero or out-of-range fields with defaults.
func (c Config) sanitize() Config {
	if c.HoldMs <= 0 {
		c.HoldMs = DefaultHoldMs
	}
	if c.ReleaseMs <= 0 {
		c.ReleaseMs = DefaultReleaseMs
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.NoiseFloorAlpha <= 0 || c.NoiseFloorAlpha >= 1 {
		c.NoiseFloorAlpha = DefaultNoiseFloorAlpha
	}
	if c.NoiseFloorRatio <= 1 {
		c.NoiseFloorRatio = DefaultNoiseFloorRatio
	}
	return c
}

// Transition is the outcome of processing one audio buffer through the gate.
type Transition int

const (
	// TransitionNone means the speaking state did not change.
	TransitionNone Transition = iota

	// TransitionSpeechStarted means the gate just entered Speaking.
	TransitionSpeechStarted

	// TransitionSpeechStopped means the gate just left Speaking.
	TransitionSpeechStopped
)

// String returns the event name used in logs and pipeline events.
func (t Transition) String() string {
	switch t {
	case TransitionSpeechStarted:
		return "speech_started"
	case TransitionSpeechStopped:
		return "speech_stopped"
	default:
		return "none"
	}
}

// Gate converts per-frame classifications into discrete speech-segment
// boundaries, immune to short noise bursts. It carves each processed buffer
// into 20 ms frames, classifies each through the [Detector], applies the
// buffer-fraction threshold, the adaptive noise floor, and hold/release
// hysteresis.
//
// State machine: Idle and Speaking only. The gate is long-lived; there is no
// terminal state. Not safe for concurrent use — it is owned by the single
// pipeline goroutine.
type Gate struct {
	cfg Config
	det *Detector

	speaking     bool
	voicedFrames uint32 // consecutive voiced frames while Idle
	silentFrames uint32 // consecutive silent frames while Speaking
	noiseFloor   float64
	voicedTime   time.Duration // accumulated voiced time this segment
}

// NewGate creates a gate over det with cfg. Zero-valued cfg fields fall back
// to the documented defaults.
func NewGate(cfg Config, det *Detector) *Gate {
	return &Gate{cfg: cfg.sanitize(), det: det}
}

// SetConfig replaces the gate parameters. Takes effect on the next buffer;
// accumulated counters are preserved.
func (g *Gate) SetConfig(cfg Config) { g.cfg = cfg.sanitize() }

// Config returns the active (sanitized) gate parameters.
func (g *Gate) Config() Config { return g.cfg }

// Speaking reports whether the gate is currently in the Speaking state.
func (g *Gate) Speaking() bool { return g.speaking }

// NoiseFloorDb returns the current noise-floor estimate in dBFS, or -96 when
// no floor has been established yet.
func (g *Gate) NoiseFloorDb() float64 {
	if g.noiseFloor <= 0 {
		return -96
	}
	return 20 * math.Log10(g.noiseFloor)
}

// ProcessBuffer classifies one audio buffer and returns the resulting state
// transition, if any. The buffer is split into consecutive 20 ms frames; a
// partial trailing remainder is ignored for this cycle. When the Detector
// rejects a frame, the energy fallback decides that frame for this cycle
// only.
func (g *Gate) ProcessBuffer(samples []float32) Transition {
	frameLen := g.det.FrameLength(frameMs)
	if frameLen <= 0 || len(samples) < frameLen {
		return TransitionNone
	}

	total := 0
	voiced := 0
	for off := 0; off+frameLen <= len(samples); off += frameLen {
		frame := samples[off : off+frameLen]

		isSpeech, err := g.det.Classify(frame)
		if err != nil {
			isSpeech = EnergyFallback(frame)
		}

		// The noise-floor gate defends against a stuck-high classifier in
		// noisy system audio: a frame only counts as speech when its energy
		// also clears noiseFloor*ratio, and non-speech (or near-floor)
		// frames feed the floor estimate.
		rms := frameRMS(frame)
		if g.cfg.AdaptiveNoiseFloor {
			aboveFloor := g.noiseFloor <= 0 || rms > g.noiseFloor*g.cfg.NoiseFloorRatio
			if !isSpeech || !aboveFloor {
				g.updateNoiseFloor(rms)
			}
			isSpeech = isSpeech && aboveFloor
		}

		total++
		if isSpeech {
			voiced++
		}
	}
	if total == 0 {
		return TransitionNone
	}

	bufferVoiced := float64(voiced)/float64(total) >= g.cfg.Threshold
	return g.advance(bufferVoiced, total)
}

// advance applies hysteresis for one buffer-level decision covering n frames.
func (g *Gate) advance(voiced bool, n int) Transition {
	frameDur := time.Duration(n) * frameMs * time.Millisecond

	if !g.speaking {
		if !voiced {
			g.voicedFrames = 0
			return TransitionNone
		}
		g.voicedFrames += uint32(n)
		if time.Duration(g.voicedFrames)*frameMs*time.Millisecond >= time.Duration(g.cfg.HoldMs)*time.Millisecond {
			g.speaking = true
			g.voicedFrames = 0
			g.silentFrames = 0
			g.voicedTime = frameDur
			return TransitionSpeechStarted
		}
		return TransitionNone
	}

	if voiced {
		g.silentFrames = 0
		g.voicedTime += frameDur
		if g.voicedTime >= maxVoicedDuration {
			return g.stop()
		}
		return TransitionNone
	}

	g.silentFrames += uint32(n)
	if time.Duration(g.silentFrames)*frameMs*time.Millisecond >= time.Duration(g.cfg.ReleaseMs)*time.Millisecond {
		return g.stop()
	}
	return TransitionNone
}

// ForceStop leaves the Speaking state regardless of accumulated counters.
// The wall-clock watchdog uses this when no audio has arrived for the
// release window. Returns TransitionSpeechStopped when a transition occurred
// and TransitionNone when the gate was already Idle.
func (g *Gate) ForceStop() Transition {
	if !g.speaking {
		return TransitionNone
	}
	return g.stop()
}

func (g *Gate) stop() Transition {
	g.speaking = false
	g.voicedFrames = 0
	g.silentFrames = 0
	g.voicedTime = 0
	return TransitionSpeechStopped
}

// Reset returns the gate to Idle and clears counters and the noise floor.
func (g *Gate) Reset() {
	g.stop()
	g.noiseFloor = 0
	g.det.Reset()
}

func (g *Gate) updateNoiseFloor(rms float64) {
	if g.noiseFloor <= 0 {
		g.noiseFloor = rms
		return
	}
	a := g.cfg.NoiseFloorAlpha
	g.noiseFloor = a*g.noiseFloor + (1-a)*rms
}

func frameRMS(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
