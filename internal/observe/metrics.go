// Package observe provides application-wide observability primitives for
// Visage: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Visage metrics.
const meterName = "github.com/visagekit/visage"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks avatar generation latency, cache misses only.
	// Use with attribute.String("source", "config"|"face"|"preview").
	GenerationDuration metric.Float64Histogram

	// PhonemeExtractionDuration tracks phoneme extraction latency.
	PhonemeExtractionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts generation cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// CacheEvictions counts cache entries displaced by capacity.
	CacheEvictions metric.Int64Counter

	// AnimationsStarted counts animation requests. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", "active"|"queued")
	AnimationsStarted metric.Int64Counter

	// CustomizationChanges counts accepted session changes by category.
	CustomizationChanges metric.Int64Counter

	// ExpressionsMapped counts emotion-to-expression mappings. Use with
	// attributes: attribute.String("emotion", ...), attribute.String("stage", ...)
	ExpressionsMapped metric.Int64Counter

	// UpstreamErrors counts collaborator failures by operation.
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open customization sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveAnimations tracks concurrently playing animations.
	ActiveAnimations metric.Int64UpDownCounter

	// ActiveLipSyncStreams tracks live lip-sync streams.
	ActiveLipSyncStreams metric.Int64UpDownCounter

	// GenerationQueueDepth tracks queued generation requests.
	GenerationQueueDepth metric.Int64UpDownCounter

	// AnimationQueueDepth tracks queued animation requests.
	AnimationQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second expression work and multi-second avatar generation.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("visage.generation.duration",
		metric.WithDescription("Latency of avatar generation on cache miss."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PhonemeExtractionDuration, err = m.Float64Histogram("visage.phoneme_extraction.duration",
		metric.WithDescription("Latency of phoneme extraction for lip sync."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("visage.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CacheLookups, err = m.Int64Counter("visage.cache.lookups",
		metric.WithDescription("Generation cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("visage.cache.evictions",
		metric.WithDescription("Cache entries displaced by the capacity bound."),
	); err != nil {
		return nil, err
	}
	if met.AnimationsStarted, err = m.Int64Counter("visage.animations.started",
		metric.WithDescription("Animation requests by type and admission status."),
	); err != nil {
		return nil, err
	}
	if met.CustomizationChanges, err = m.Int64Counter("visage.customization.changes",
		metric.WithDescription("Accepted customization changes by category."),
	); err != nil {
		return nil, err
	}
	if met.ExpressionsMapped, err = m.Int64Counter("visage.expressions.mapped",
		metric.WithDescription("Emotion-to-expression mappings by emotion and stage."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("visage.upstream.errors",
		metric.WithDescription("Collaborator failures by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("visage.active_sessions",
		metric.WithDescription("Number of open customization sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAnimations, err = m.Int64UpDownCounter("visage.active_animations",
		metric.WithDescription("Number of concurrently playing animations."),
	); err != nil {
		return nil, err
	}
	if met.ActiveLipSyncStreams, err = m.Int64UpDownCounter("visage.active_lipsync_streams",
		metric.WithDescription("Number of live lip-sync streams."),
	); err != nil {
		return nil, err
	}
	if met.GenerationQueueDepth, err = m.Int64UpDownCounter("visage.generation.queue_depth",
		metric.WithDescription("Generation requests waiting for a pool slot."),
	); err != nil {
		return nil, err
	}
	if met.AnimationQueueDepth, err = m.Int64UpDownCounter("visage.animation.queue_depth",
		metric.WithDescription("Animation requests waiting for a playback slot."),
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

// RecordCacheLookup records one cache lookup with the standard result
// attribute.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordAnimationStarted records one animation request with its admission
// status.
func (m *Metrics) RecordAnimationStarted(ctx context.Context, animType string, queued bool) {
	status := "active"
	if queued {
		status = "queued"
	}
	m.AnimationsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", animType),
			attribute.String("status", status),
		),
	)
}

// RecordCustomization records one accepted customization change.
func (m *Metrics) RecordCustomization(ctx context.Context, category string) {
	m.CustomizationChanges.Add(ctx, 1,
		metric.WithAttributes(attribute.String("category", category)),
	)
}

// RecordExpressionMapped records one emotion-to-expression mapping.
func (m *Metrics) RecordExpressionMapped(ctx context.Context, emotion, stage string) {
	m.ExpressionsMapped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("emotion", emotion),
			attribute.String("stage", stage),
		),
	)
}

// RecordUpstreamError records one collaborator failure.
func (m *Metrics) RecordUpstreamError(ctx context.Context, op string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("op", op)),
	)
}
