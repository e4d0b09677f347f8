package audio

import "time"

// IngestSampleRate is the sample rate at which frames enter the pipeline.
// The frame source is expected to deliver mono float32 audio at this rate;
// conversion to the endpoint's transport rate happens in the format pipeline.
const IngestSampleRate = 48000

// Frame represents a single buffer of mono audio flowing through the pipeline.
// Frames are the atomic unit of transport — pushed by the capture callback,
// classified by VAD, converted by the format pipeline, and shipped to the
// remote endpoint.
type Frame struct {
	// Samples holds mono float32 PCM in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz. Frames from the source arrive at [IngestSampleRate].
	SampleRate int

	// Timestamp marks when this frame was captured.
	Timestamp time.Time
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
