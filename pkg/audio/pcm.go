package audio

import "math"

// softClipKnee is the amplitude above which samples are compressed through
// tanh before quantization. Keeping the knee below full scale leaves headroom
// so that transient peaks saturate smoothly instead of wrapping.
const softClipKnee = 0.95

// ditherAmplitude is the peak of the small offset added before rounding to
// spread quantization error. One quarter LSB keeps the round-trip error
// within the documented 1-LSB bound.
const ditherAmplitude = 0.25 / 32768.0

// FloatToPCM16 quantizes mono float32 samples to little-endian signed 16-bit
// PCM. Samples above the soft-clip knee are compressed with tanh before the
// final hard clamp, and a small alternating dither offset is applied to reduce
// quantization artifacts on low-level material.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if v > softClipKnee {
			v = softClipKnee + (1-softClipKnee)*math.Tanh((v-softClipKnee)/(1-softClipKnee))
		} else if v < -softClipKnee {
			v = -softClipKnee + (1-softClipKnee)*math.Tanh((v+softClipKnee)/(1-softClipKnee))
		}

		if i%2 == 0 {
			v += ditherAmplitude
		} else {
			v -= ditherAmplitude
		}

		n := int32(math.Round(v * 32767))
		if n > 32767 {
			n = 32767
		} else if n < -32768 {
			n = -32768
		}

		out[i*2] = byte(n)
		out[i*2+1] = byte(n >> 8)
	}
	return out
}

// PCM16ToFloat decodes little-endian signed 16-bit PCM back to float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// RMS returns the root-mean-square level of the samples in [0, 1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
