// Package observe provides application-wide observability primitives for
// koko: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [Setup] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Every Record method is a no-op on a nil *Metrics, so components may treat
// metrics as optional.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all koko metrics.
const meterName = "github.com/MrWong99/koko"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks wall time of a whole request, from
	// validation to the last encoded byte. Attributes: format, status.
	SynthesisDuration metric.Float64Histogram

	// FirstChunkLatency tracks the time from session start until the first
	// chunk reaches its sink.
	FirstChunkLatency metric.Float64Histogram

	// EncodeDuration tracks a single encoder call. Attributes: format, status.
	EncodeDuration metric.Float64Histogram

	// EncoderLockWait tracks time spent waiting for the process-wide
	// compressed-codec lock.
	EncoderLockWait metric.Float64Histogram

	// --- Counters ---

	// ChunksDelivered counts chunks handed to session sinks.
	ChunksDelivered metric.Int64Counter

	// SessionOutcomes counts sessions by terminal phase. Attribute: phase.
	SessionOutcomes metric.Int64Counter

	// Requests counts synthesis requests by serving surface. Attributes:
	//   attribute.String("surface", "http"|"ws"|"nats"|"mcp"), attribute.String("status", ...)
	Requests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the Generating phase.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// lockBuckets covers lock waits, which are usually far below a millisecond.
var lockBuckets = []float64{
	0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("koko.synthesis.duration",
		metric.WithDescription("Wall time of a synthesis request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstChunkLatency, err = m.Float64Histogram("koko.synthesis.first_chunk",
		metric.WithDescription("Time from session start to the first delivered chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncodeDuration, err = m.Float64Histogram("koko.encode.duration",
		metric.WithDescription("Duration of a single audio encoder call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EncoderLockWait, err = m.Float64Histogram("koko.encode.lock_wait",
		metric.WithDescription("Time spent waiting for the compressed codec lock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lockBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksDelivered, err = m.Int64Counter("koko.chunks.delivered",
		metric.WithDescription("Number of audio chunks delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("koko.sessions.outcomes",
		metric.WithDescription("Number of finished sessions by terminal phase."),
	); err != nil {
		return nil, err
	}
	if met.Requests, err = m.Int64Counter("koko.requests",
		metric.WithDescription("Number of synthesis requests by serving surface."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("koko.active_sessions",
		metric.WithDescription("Number of sessions currently generating."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware.
	if met.HTTPRequestDuration, err = m.Float64Histogram("koko.http.request.duration",
		metric.WithDescription("HTTP request processing duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordSynthesis records the duration of one request.
func (m *Metrics) RecordSynthesis(ctx context.Context, format, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SynthesisDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("format", format),
			attribute.String("status", status),
		),
	)
}

// RecordEncode records one encoder call; err decides the status attribute.
func (m *Metrics) RecordEncode(ctx context.Context, format string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EncodeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("format", format),
			attribute.String("status", status),
		),
	)
}

// RecordLockWait records the wait for the compressed codec lock. Its
// signature matches the encoder's lock observer hook.
func (m *Metrics) RecordLockWait(wait, _ time.Duration) {
	if m == nil {
		return
	}
	m.EncoderLockWait.Record(context.Background(), wait.Seconds())
}

// RecordRequest counts one request on a serving surface.
func (m *Metrics) RecordRequest(ctx context.Context, surface, status string) {
	if m == nil {
		return
	}
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("surface", surface),
			attribute.String("status", status),
		),
	)
}
