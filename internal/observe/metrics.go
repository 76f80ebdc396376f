// Package observe provides the observability primitives shared by the
// streaming pipeline: OpenTelemetry metrics, tracing helpers, trace-aware
// logging and HTTP middleware.
//
// Metrics go through the OpenTelemetry Metrics API and are exported for
// Prometheus scraping by [InitProvider]. [DefaultMetrics] binds to the global
// meter provider; tests should call [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every pseudostream instrument.
const meterName = "github.com/MrWong99/pseudostream"

// Metrics holds the metric instruments of the application. The OTel types
// handle their own synchronisation.
type Metrics struct {
	// TranscribeDuration is the latency of one backend transcription call.
	// Attribute: backend.
	TranscribeDuration metric.Float64Histogram

	// HTTPRequestDuration is the latency of HTTP requests served by the API.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	// TranscriberRequests counts backend calls. Attributes: backend, status.
	TranscriberRequests metric.Int64Counter

	// TranscriberErrors counts cycles that produced no hypothesis because
	// every backend failed. Attribute: backend.
	TranscriberErrors metric.Int64Counter

	// WordsCommitted counts words appended to committed transcripts.
	WordsCommitted metric.Int64Counter

	// Corrections counts vocabulary substitutions.
	Corrections metric.Int64Counter

	// SpeechDuration accumulates detected speech in seconds.
	SpeechDuration metric.Float64Counter

	// BufferTrims counts buffer trims. Attribute: policy (segment or hard).
	BufferTrims metric.Int64Counter

	// Flushes counts transcription cycles. Attribute: reason.
	Flushes metric.Int64Counter

	// ActiveStreams is the number of streams currently running.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets covers everything from a local whisper call on a short
// buffer to a slow remote request.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10, 30}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var (
		met Metrics
		err error
	)

	if met.TranscribeDuration, err = m.Float64Histogram("pseudostream.transcribe.duration",
		metric.WithDescription("Latency of a single backend transcription call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pseudostream.http.request.duration",
		metric.WithDescription("Latency of HTTP requests served by the API."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriberRequests, err = m.Int64Counter("pseudostream.transcriber.requests",
		metric.WithDescription("Backend transcription calls by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriberErrors, err = m.Int64Counter("pseudostream.transcriber.errors",
		metric.WithDescription("Transcription cycles that produced no hypothesis."),
	); err != nil {
		return nil, err
	}
	if met.WordsCommitted, err = m.Int64Counter("pseudostream.words.committed",
		metric.WithDescription("Words appended to committed transcripts."),
	); err != nil {
		return nil, err
	}
	if met.Corrections, err = m.Int64Counter("pseudostream.corrections",
		metric.WithDescription("Vocabulary substitutions applied to committed words."),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Counter("pseudostream.speech.duration",
		metric.WithDescription("Seconds of speech detected by the VAD."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.BufferTrims, err = m.Int64Counter("pseudostream.buffer.trims",
		metric.WithDescription("Audio buffer trims by policy."),
	); err != nil {
		return nil, err
	}
	if met.Flushes, err = m.Int64Counter("pseudostream.flushes",
		metric.WithDescription("Transcription cycles by trigger."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("pseudostream.active_streams",
		metric.WithDescription("Streams currently being transcribed."),
	); err != nil {
		return nil, err
	}
	return &met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] bound to the global
// meter provider. It panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscribe records one backend call: its latency and its outcome.
func (m *Metrics) RecordTranscribe(ctx context.Context, backend string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TranscribeDuration.Record(ctx, seconds, metric.WithAttributes(Attr("backend", backend)))
	m.TranscriberRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("backend", backend),
		Attr("status", status),
	))
}

// RecordTranscriberError counts a cycle in which transcription through
// backend failed.
func (m *Metrics) RecordTranscriberError(ctx context.Context, backend string) {
	m.TranscriberErrors.Add(ctx, 1, metric.WithAttributes(Attr("backend", backend)))
}

// RecordCommit counts n committed words and c corrections.
func (m *Metrics) RecordCommit(ctx context.Context, n, c int) {
	if n > 0 {
		m.WordsCommitted.Add(ctx, int64(n))
	}
	if c > 0 {
		m.Corrections.Add(ctx, int64(c))
	}
}

// RecordSpeech adds seconds of detected speech.
func (m *Metrics) RecordSpeech(ctx context.Context, seconds float64) {
	if seconds > 0 {
		m.SpeechDuration.Add(ctx, seconds)
	}
}

// RecordTrim counts a buffer trim made under policy.
func (m *Metrics) RecordTrim(ctx context.Context, policy string) {
	m.BufferTrims.Add(ctx, 1, metric.WithAttributes(Attr("policy", policy)))
}

// RecordFlush counts a transcription cycle triggered by reason.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	m.Flushes.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}
