// Package observe provides application-wide observability primitives for
// voicewire: OpenTelemetry metrics and the HTTP middleware that records
// them for the admin endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// PingRTT tracks keep-alive round-trip latency.
	PingRTT metric.Float64Histogram

	// HandshakeDuration tracks how long connect-to-established takes.
	HandshakeDuration metric.Float64Histogram

	// FramesSent counts outbound audio frames.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound audio frames.
	FramesReceived metric.Int64Counter

	// AudioBytes counts PCM payload bytes. Use with attribute:
	//   attribute.String("direction", "tx"|"rx")
	AudioBytes metric.Int64Counter

	// FramesDropped counts inbound frames discarded as malformed.
	FramesDropped metric.Int64Counter

	// PingFailures counts keep-alive probes that timed out or failed.
	PingFailures metric.Int64Counter

	// InputLevel reports the last measured microphone level in [0, 1].
	InputLevel metric.Float64Gauge

	// ActiveSessions tracks the number of live sessions (0 or 1 for this
	// client, kept as a gauge for fleet dashboards).
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks admin endpoint request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// rttBuckets defines histogram bucket boundaries (in seconds) optimised for
// point-to-point link latencies.
var rttBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PingRTT, err = m.Float64Histogram("voicewire.ping.rtt",
		metric.WithDescription("Round-trip time of keep-alive probes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rttBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("voicewire.handshake.duration",
		metric.WithDescription("Time from dial to established session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rttBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("voicewire.frames.sent",
		metric.WithDescription("Total outbound audio frames."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voicewire.frames.received",
		metric.WithDescription("Total inbound audio frames."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voicewire.audio.bytes",
		metric.WithDescription("Total PCM payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicewire.frames.dropped",
		metric.WithDescription("Inbound frames discarded for out-of-range lengths."),
	); err != nil {
		return nil, err
	}
	if met.PingFailures, err = m.Int64Counter("voicewire.ping.failures",
		metric.WithDescription("Keep-alive probes that failed or timed out."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.InputLevel, err = m.Float64Gauge("voicewire.input.level",
		metric.WithDescription("Last measured microphone input level, 0 to 1."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicewire.http.request.duration",
		metric.WithDescription("Admin HTTP request latency by method and path."),
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

// RecordFrameSent records one outbound frame and its payload size.
func (m *Metrics) RecordFrameSent(ctx context.Context, payloadBytes int) {
	m.FramesSent.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(payloadBytes),
		metric.WithAttributes(attribute.String("direction", "tx")),
	)
}

// RecordFrameReceived records one inbound frame and its payload size.
func (m *Metrics) RecordFrameReceived(ctx context.Context, payloadBytes int) {
	m.FramesReceived.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(payloadBytes),
		metric.WithAttributes(attribute.String("direction", "rx")),
	)
}

// RecordPing records the outcome of one keep-alive probe.
func (m *Metrics) RecordPing(ctx context.Context, rtt time.Duration, ok bool) {
	if ok {
		m.PingRTT.Record(ctx, rtt.Seconds())
		return
	}
	m.PingFailures.Add(ctx, 1)
}
