// Package observe provides application-wide observability primitives for
// Locustfeed: OpenTelemetry metrics, distributed tracing, structured logging
// helpers, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Locustfeed metrics.
const meterName = "github.com/locustsocial/locustfeed"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EmbedDuration tracks embedding provider call latency, including any
	// internal retry backoff. Use with attribute.String("provider", ...).
	EmbedDuration metric.Float64Histogram

	// RankDuration tracks feed ranking latency. Use with
	// attribute.String("path", "cold_start"|"personalized").
	RankDuration metric.Float64Histogram

	// ProfileRecomputeDuration tracks user preference vector recompute latency.
	ProfileRecomputeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// EmbedRequests counts embedding provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", "ok"|"degraded"|"error")
	EmbedRequests metric.Int64Counter

	// QueueJobs counts embedding queue outcomes. Use with attribute:
	//   attribute.String("outcome", "done"|"failed"|"rejected"|"inline")
	QueueJobs metric.Int64Counter

	// InteractionEvents counts recorded user events. Use with attribute:
	//   attribute.String("etype", ...)
	InteractionEvents metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of embedding jobs currently waiting.
	QueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets accommodate embedding calls that sit through the full retry backoff.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EmbedDuration, err = m.Float64Histogram("locustfeed.embed.duration",
		metric.WithDescription("Latency of embedding provider calls including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RankDuration, err = m.Float64Histogram("locustfeed.rank.duration",
		metric.WithDescription("Latency of feed ranking by path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProfileRecomputeDuration, err = m.Float64Histogram("locustfeed.profile.recompute.duration",
		metric.WithDescription("Latency of user preference vector recomputes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("locustfeed.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EmbedRequests, err = m.Int64Counter("locustfeed.embed.requests",
		metric.WithDescription("Total embedding provider calls by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.QueueJobs, err = m.Int64Counter("locustfeed.queue.jobs",
		metric.WithDescription("Total embedding queue job outcomes."),
	); err != nil {
		return nil, err
	}
	if met.InteractionEvents, err = m.Int64Counter("locustfeed.interaction.events",
		metric.WithDescription("Total recorded user interaction events by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("locustfeed.queue.depth",
		metric.WithDescription("Number of embedding jobs currently queued."),
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

// WithAttr is a convenience wrapper building a single-string-attribute
// measurement option, to reduce verbosity at record sites.
func WithAttr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// RecordEmbedRequest records one embedding provider call with the standard
// attribute set.
func (m *Metrics) RecordEmbedRequest(ctx context.Context, provider, status string) {
	m.EmbedRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordQueueJob records one embedding queue outcome.
func (m *Metrics) RecordQueueJob(ctx context.Context, outcome string) {
	m.QueueJobs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
