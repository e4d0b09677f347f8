package audio

import (
	"math"
	"testing"
)

func TestFloatToPCM16_RoundTripWithinQuantizationError(t *testing.T) {
	t.Parallel()

	in := make([]float32, 480)
	for i := range in {
		in[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/48000))
	}

	pcm := FloatToPCM16(in)
	if len(pcm) != len(in)*2 {
		t.Fatalf("pcm length = %d; want %d", len(pcm), len(in)*2)
	}

	out := PCM16ToFloat(pcm)
	if len(out) != len(in) {
		t.Fatalf("decoded length = %d; want %d", len(out), len(in))
	}

	// 1 LSB of rounding and scale error plus the dither offset.
	const maxErr = (1.0 + 0.5) / 32768.0
	for i := range in {
		if diff := math.Abs(float64(in[i] - out[i])); diff > maxErr {
			t.Fatalf("sample %d: in=%f out=%f diff=%f exceeds %f", i, in[i], out[i], diff, maxErr)
		}
	}
}

func TestFloatToPCM16_SoftClipsAboveKnee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
	}{
		{"slightly over full scale", 1.1},
		{"far over full scale", 4.0},
		{"negative overdrive", -3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pcm := FloatToPCM16([]float32{tt.in, tt.in})
			for i := 0; i < len(pcm); i += 2 {
				s := int16(pcm[i]) | int16(pcm[i+1])<<8
				if s > 32767 || s < -32768 {
					t.Fatalf("sample out of int16 range: %d", s)
				}
				// tanh compression must keep heavily overdriven input strictly
				// inside the hard-clip rails.
				if abs := math.Abs(float64(s)); abs < 0.95*32767 {
					t.Fatalf("overdriven sample %f quantized to %d, below the soft-clip knee", tt.in, s)
				}
			}
		})
	}
}

func TestFloatToPCM16_Monotonic(t *testing.T) {
	t.Parallel()

	// Increasing input levels must never produce decreasing magnitudes, even
	// through the soft-clip region.
	levels := []float32{0.0, 0.2, 0.5, 0.9, 0.95, 0.99, 1.2, 2.0}
	prev := int16(math.MinInt16)
	for _, lv := range levels {
		pcm := FloatToPCM16([]float32{lv})
		s := int16(pcm[0]) | int16(pcm[1])<<8
		if s < prev {
			t.Fatalf("level %f quantized to %d, below previous %d", lv, s, prev)
		}
		prev = s
	}
}

func TestPCM16ToFloat_IgnoresTrailingOddByte(t *testing.T) {
	t.Parallel()

	out := PCM16ToFloat([]byte{0x00, 0x40, 0xFF})
	if len(out) != 1 {
		t.Fatalf("decoded %d samples; want 1", len(out))
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f; want 0", got)
	}

	dc := []float32{0.5, 0.5, 0.5, 0.5}
	if got := RMS(dc); math.Abs(got-0.5) > 1e-6 {
		t.Errorf("RMS(dc 0.5) = %f; want 0.5", got)
	}
}
