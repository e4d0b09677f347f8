// Package audio provides the frame types and pure conversion stages of the
// voicegate pipeline: the bounded ingress between the capture callback and
// the consumer loop, sample-rate conversion, and float/PCM16 quantization.
package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel (e.g., a session's Audio channel during shutdown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
