// Package observe provides application-wide observability primitives for the
// stream bot: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all stream bot metrics.
const meterName = "github.com/Imranch4/discord-stream-bot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StartupDuration tracks the time from spawning a pipeline to its first
	// frame. Use with attribute:
	//   attribute.String("channel", ...)
	StartupDuration metric.Float64Histogram

	// --- Counters ---

	// SessionStarts counts successful Start calls. Use with attribute:
	//   attribute.String("channel", ...)
	SessionStarts metric.Int64Counter

	// PipelineRetries counts failed attempts that led to a retry. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("reason", ...)
	PipelineRetries metric.Int64Counter

	// SourceRotations counts failovers to the next source. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("cause", ...)
	SourceRotations metric.Int64Counter

	// SessionFailures counts sessions that ended in the Failed state. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("reason", ...)
	SessionFailures metric.Int64Counter

	// SourceProbes counts health probes. Use with attribute:
	//   attribute.String("status", "up"|"down")
	SourceProbes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live channel sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for stream
// startup, which is dominated by network connect and ffmpeg probing.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StartupDuration, err = m.Float64Histogram("streambot.pipeline.startup.duration",
		metric.WithDescription("Time from pipeline spawn to first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SessionStarts, err = m.Int64Counter("streambot.session.starts",
		metric.WithDescription("Total channel sessions started by channel."),
	); err != nil {
		return nil, err
	}
	if met.PipelineRetries, err = m.Int64Counter("streambot.pipeline.retries",
		metric.WithDescription("Total failed attempts followed by a retry, by channel and reason."),
	); err != nil {
		return nil, err
	}
	if met.SourceRotations, err = m.Int64Counter("streambot.source.rotations",
		metric.WithDescription("Total source failovers by channel and cause."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("streambot.session.failures",
		metric.WithDescription("Total sessions that ended in the failed state."),
	); err != nil {
		return nil, err
	}
	if met.SourceProbes, err = m.Int64Counter("streambot.source.probes",
		metric.WithDescription("Total source health probes by result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("streambot.active_sessions",
		metric.WithDescription("Number of live channel sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("streambot.http.request.duration",
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

// RecordStart records a session start and bumps the active session gauge.
func (m *Metrics) RecordStart(ctx context.Context, channel string) {
	m.SessionStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	m.ActiveSessions.Add(ctx, 1)
}

// RecordEnd decrements the active session gauge. Call exactly once per
// session, whether it was stopped or failed.
func (m *Metrics) RecordEnd(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// RecordStartup records the time a pipeline took to produce its first frame.
func (m *Metrics) RecordStartup(ctx context.Context, channel string, d time.Duration) {
	m.StartupDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("channel", channel)),
	)
}

// RecordRetry records a failed attempt that will be retried.
func (m *Metrics) RecordRetry(ctx context.Context, channel, reason string) {
	m.PipelineRetries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		),
	)
}

// RecordRotation records a switch to another source. cause is "exhausted",
// "next", or "unhealthy".
func (m *Metrics) RecordRotation(ctx context.Context, channel, cause string) {
	m.SourceRotations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("cause", cause),
		),
	)
}

// RecordFailure records a session that reached the Failed state.
func (m *Metrics) RecordFailure(ctx context.Context, channel, reason string) {
	m.SessionFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		),
	)
}

// RecordProbe records one health probe result.
func (m *Metrics) RecordProbe(ctx context.Context, up bool) {
	status := "down"
	if up {
		status = "up"
	}
	m.SourceProbes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
