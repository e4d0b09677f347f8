// Package observe provides application-wide observability primitives for
// voicegate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicegate metrics.
const meterName = "github.com/MrWong99/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks the length of user turns, speech start to close.
	TurnDuration metric.Float64Histogram

	// ResponseLatency tracks the delay between a turn close and the first
	// synthesised audio chunk of the model's reply.
	ResponseLatency metric.Float64Histogram

	// TurnBytes tracks the formatted PCM bytes forwarded per closed turn.
	TurnBytes metric.Int64Histogram

	// --- Counters ---

	// AudioChunks counts formatted audio chunks by outcome. Use with:
	//   attribute.String("status", "sent"|"dropped")
	AudioChunks metric.Int64Counter

	// Turns counts turn closures by outcome. Use with:
	//   attribute.String("result", "closed"|"suppressed")
	Turns metric.Int64Counter

	// Transcripts counts final transcript entries. Use with:
	//   attribute.String("role", "user"|"assistant")
	Transcripts metric.Int64Counter

	// Responses counts completed model responses.
	Responses metric.Int64Counter

	// Reconnects counts session replacements by outcome. Use with:
	//   attribute.String("status", "ok"|"failed")
	Reconnects metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts remote protocol errors. Use with:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live endpoint sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// turnByteBuckets spans ~100 ms to ~20 s of mono 24 kHz PCM16.
var turnByteBuckets = []float64{
	4800, 9600, 19200, 48000, 96000, 192000, 480000, 960000,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("voicegate.turn.duration",
		metric.WithDescription("Length of user turns from speech start to turn close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("voicegate.response.latency",
		metric.WithDescription("Delay between turn close and first model audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnBytes, err = m.Int64Histogram("voicegate.turn.bytes",
		metric.WithDescription("Formatted PCM bytes forwarded per closed turn."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(turnByteBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("voicegate.audio.chunks",
		metric.WithDescription("Formatted audio chunks by outcome (sent, dropped)."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voicegate.turns",
		metric.WithDescription("Turn closures by result (closed, suppressed)."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voicegate.transcripts",
		metric.WithDescription("Final transcript entries by role."),
	); err != nil {
		return nil, err
	}
	if met.Responses, err = m.Int64Counter("voicegate.responses",
		metric.WithDescription("Completed model responses."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voicegate.reconnects",
		metric.WithDescription("Session replacements by outcome (ok, failed)."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voicegate.provider.errors",
		metric.WithDescription("Remote protocol errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegate.active_sessions",
		metric.WithDescription("Number of live endpoint sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunk records one formatted audio chunk with its delivery outcome.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	m.AudioChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTurn records a turn closure with its result and duration.
func (m *Metrics) RecordTurn(ctx context.Context, result string, seconds float64) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
	m.TurnDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordTranscript records a final transcript entry by speaker role.
func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordReconnect records a session replacement attempt outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError records a remote protocol error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
