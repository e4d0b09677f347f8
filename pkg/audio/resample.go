package audio

import "fmt"

// Resampler converts a mono float32 stream from one sample rate to another
// using linear interpolation with filter history carried across calls, so
// consecutive buffers join without phase discontinuities.
//
// Create one per stream; not designed for shared use across goroutines.
// Call Flush on teardown to drain trailing samples held in the history.
type Resampler struct {
	srcRate int
	dstRate int
	ratio   float64 // source samples consumed per output sample

	// hist holds the unconsumed tail of the previous input buffer; pos is the
	// fractional read position measured from the start of hist.
	hist []float32
	pos  float64
}

// NewResampler creates a Resampler converting from srcRate to dstRate Hz.
// Both rates must be positive; upsampling is supported but the pipeline only
// ever downsamples (48 kHz capture to 24 kHz or 16 kHz transport).
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	return &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		ratio:   float64(srcRate) / float64(dstRate),
	}, nil
}

// Process converts one input buffer and returns the output samples produced.
// The returned slice may be empty when the input is too short to advance the
// read position past the retained history.
func (r *Resampler) Process(in []float32) []float32 {
	if r.srcRate == r.dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	buf := make([]float32, 0, len(r.hist)+len(in))
	buf = append(buf, r.hist...)
	buf = append(buf, in...)
	n := len(buf)

	est := int(float64(n)/r.ratio) + 1
	out := make([]float32, 0, est)

	pos := r.pos
	for int(pos)+1 < n {
		i := int(pos)
		frac := float32(pos - float64(i))
		out = append(out, buf[i]*(1-frac)+buf[i+1]*frac)
		pos += r.ratio
	}

	// Retain the unread tail as history for the next call.
	keep := int(pos)
	if keep > n-1 {
		keep = n - 1
	}
	if keep < 0 {
		keep = 0
	}
	r.hist = append(r.hist[:0], buf[keep:]...)
	r.pos = pos - float64(keep)

	return out
}

// Flush drains any trailing samples held in the filter history by extending
// the stream with its final sample value, and resets the resampler for reuse.
func (r *Resampler) Flush() []float32 {
	if len(r.hist) == 0 {
		r.pos = 0
		return nil
	}

	// Pad with the last sample so the interpolator can read past the end.
	pad := int(r.ratio) + 2
	buf := make([]float32, 0, len(r.hist)+pad)
	buf = append(buf, r.hist...)
	last := r.hist[len(r.hist)-1]
	for range pad {
		buf = append(buf, last)
	}

	var out []float32
	pos := r.pos
	for int(pos)+1 < len(r.hist)+1 {
		i := int(pos)
		frac := float32(pos - float64(i))
		out = append(out, buf[i]*(1-frac)+buf[i+1]*frac)
		pos += r.ratio
	}

	r.hist = r.hist[:0]
	r.pos = 0
	return out
}

// Reset discards all filter history without emitting trailing samples.
func (r *Resampler) Reset() {
	r.hist = r.hist[:0]
	r.pos = 0
}

// DecimateHalf is the simple 2:1 fallback converter: it averages adjacent
// sample pairs, which halves the rate while acting as a crude low-pass
// filter. A trailing odd sample is dropped. Used whenever the interpolating
// path is unavailable and the rate pair is exactly 2:1 (48 kHz to 24 kHz).
func DecimateHalf(in []float32) []float32 {
	out := make([]float32, len(in)/2)
	for i := range out {
		out[i] = (in[i*2] + in[i*2+1]) / 2
	}
	return out
}
