// Package vad implements frame-level speech detection and the buffer-level
// voice-activity gate that turns per-frame classifications into stable
// speech-segment boundaries.
//
// The [Detector] is a fixed-frame binary classifier in the WebRTC mould: it
// accepts exactly 10, 20 or 30 ms frames at a supported sample rate and
// returns a speech/non-speech flag per frame. The [Gate] sits above it and
// applies hold/release hysteresis, an adaptive noise floor, and a safety
// valve so that a single noisy frame can never flip the speaking state.
//
// A Detector or Gate is owned by one pipeline goroutine; neither is safe for
// concurrent use.
package vad

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFrameLength is returned by [Detector.Classify] when the supplied
// frame is not exactly 10, 20 or 30 ms long at the configured sample rate.
var ErrInvalidFrameLength = errors.New("vad: invalid frame length")

// supportedRates lists the sample rates the classifier accepts.
var supportedRates = []int{8000, 16000, 32000, 48000}

// energyFallbackThreshold is the RMS level (~-42 dBFS) above which the
// energy-only fallback decision reports speech. Used for exactly one cycle
// when Classify rejects a frame; the adaptive noise floor lives in the Gate,
// so the fallback stays fixed to avoid double adaptation.
const energyFallbackThreshold = 0.0079

// modeRMSThreshold maps aggressiveness mode (0-3) to the minimum frame RMS
// for a speech classification. Higher modes demand more energy, trading
// missed quiet speech for fewer false positives in noisy system audio.
var modeRMSThreshold = [4]float64{0.0045, 0.0079, 0.0140, 0.0250}

// Detector is a fixed-frame speech classifier. Internal adaptation state (a
// smoothed energy envelope) is cleared by Reset; the configured mode and
// sample rate survive Reset.
type Detector struct {
	mode       int
	sampleRate int

	// envelope is a slow EWMA of frame energy used to normalise the
	// zero-crossing test for quiet material. Adaptation state only.
	envelope float64
}

// NewDetector creates a Detector with the given aggressiveness mode (0-3)
// and sample rate. Mode 1 at 48 kHz matches the pipeline's ingest defaults.
func NewDetector(mode, sampleRate int) (*Detector, error) {
	d := &Detector{mode: 1, sampleRate: 48000}
	if err := d.SetMode(mode); err != nil {
		return nil, err
	}
	if err := d.SetSampleRate(sampleRate); err != nil {
		return nil, err
	}
	return d, nil
}

// SetMode changes the aggressiveness mode (0 least to 3 most aggressive).
// Unsupported values are rejected without touching existing state.
func (d *Detector) SetMode(mode int) error {
	if mode < 0 || mode > 3 {
		return fmt.Errorf("vad: unsupported mode %d (want 0-3)", mode)
	}
	d.mode = mode
	return nil
}

// Mode returns the current aggressiveness mode.
func (d *Detector) Mode() int { return d.mode }

// SetSampleRate changes the expected sample rate of classified frames.
// Unsupported values are rejected without touching existing state.
func (d *Detector) SetSampleRate(rate int) error {
	for _, r := range supportedRates {
		if rate == r {
			d.sampleRate = rate
			return nil
		}
	}
	return fmt.Errorf("vad: unsupported sample rate %d", rate)
}

// SampleRate returns the currently configured sample rate.
func (d *Detector) SampleRate() int { return d.sampleRate }

// FrameLength returns the number of samples in a frame of the given duration
// in milliseconds at the configured rate.
func (d *Detector) FrameLength(ms int) int { return d.sampleRate / 1000 * ms }

// validFrame reports whether n samples is a legal 10/20/30 ms frame.
func (d *Detector) validFrame(n int) bool {
	per10 := d.sampleRate / 100
	return n == per10 || n == 2*per10 || n == 3*per10
}

// Reset clears the internal adaptation state. Mode and sample rate are
// preserved.
func (d *Detector) Reset() {
	d.envelope = 0
}

// Classify reports whether the frame contains speech. The frame must be
// exactly 10, 20 or 30 ms of mono samples at the configured sample rate;
// any other length returns [ErrInvalidFrameLength].
//
// The decision combines frame energy against a mode-dependent threshold with
// a zero-crossing-rate band test: voiced speech concentrates energy at low
// crossing rates, while broadband noise and hiss cross far more often.
func (d *Detector) Classify(frame []float32) (bool, error) {
	if !d.validFrame(len(frame)) {
		return false, fmt.Errorf("%w: %d samples at %d Hz", ErrInvalidFrameLength, len(frame), d.sampleRate)
	}

	var sum float64
	crossings := 0
	for i, s := range frame {
		sum += float64(s) * float64(s)
		if i > 0 && (s >= 0) != (frame[i-1] >= 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sum / float64(len(frame)))

	// Slow envelope follower; decays when the signal drops.
	const envAlpha = 0.9
	d.envelope = envAlpha*d.envelope + (1-envAlpha)*rms

	if rms < modeRMSThreshold[d.mode] {
		return false, nil
	}

	// Crossing rate per second, normalised by frame duration.
	zcr := float64(crossings) * float64(d.sampleRate) / float64(len(frame))

	// Voiced speech fundamentals and formants live well below 3 kHz; white
	// noise at 48 kHz crosses on the order of ten thousand times a second.
	const maxSpeechZCR = 6000
	if zcr > maxSpeechZCR {
		// High-energy broadband content is only accepted when it clearly
		// dominates the recent envelope (fricatives at utterance onsets).
		return rms > 3*d.envelope, nil
	}
	return true, nil
}

// EnergyFallback is the degraded one-cycle decision used when Classify
// rejects a frame: a plain RMS threshold at ~-42 dBFS. It carries no state
// and accepts any frame length.
func EnergyFallback(frame []float32) bool {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	if len(frame) == 0 {
		return false
	}
	return math.Sqrt(sum/float64(len(frame))) > energyFallbackThreshold
}
