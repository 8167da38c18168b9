// Package observe provides application-wide observability primitives for
// Redi: OpenTelemetry metrics and the provider bridge that exposes them to
// Prometheus.
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

// meterName is the instrumentation scope name used for all Redi metrics.
const meterName = "github.com/redi-labs/redi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks LLM inference latency by brain.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time to first synthesised audio byte.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency (final transcript to last
	// audio byte).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts completed turns. Use with attributes:
	//   attribute.String("brain", ...), attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// DroppedTriggers counts response triggers dropped because the response
	// machine was busy.
	DroppedTriggers metric.Int64Counter

	// BargeIns counts user interruptions of in-flight assistant speech.
	BargeIns metric.Int64Counter

	// GuardBlocks counts responses suppressed by the guard layer. Use with
	// attribute: attribute.String("rule", ...)
	GuardBlocks metric.Int64Counter

	// FrameInjections counts turns that carried a fresh camera frame.
	FrameInjections metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveDevices tracks the number of connected devices across all sessions.
	ActiveDevices metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.LLMDuration, err = m.Float64Histogram("redi.llm.duration",
		metric.WithDescription("Latency of LLM inference by brain."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("redi.tts.duration",
		metric.WithDescription("Time to first synthesised audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("redi.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("redi.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("redi.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("redi.turns",
		metric.WithDescription("Total turns by brain and outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTriggers, err = m.Int64Counter("redi.triggers.dropped",
		metric.WithDescription("Response triggers dropped while a response was in flight."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("redi.barge_ins",
		metric.WithDescription("User interruptions of in-flight assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.GuardBlocks, err = m.Int64Counter("redi.guard.blocks",
		metric.WithDescription("Responses suppressed by the guard layer, by rule."),
	); err != nil {
		return nil, err
	}
	if met.FrameInjections, err = m.Int64Counter("redi.frame.injections",
		metric.WithDescription("Turns that carried a fresh camera frame."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("redi.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveDevices, err = m.Int64UpDownCounter("redi.active_devices",
		metric.WithDescription("Number of connected devices across all sessions."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a completed turn with its routing brain and outcome
// ("ok", "blocked", "cancelled", "failed", "dropped").
func (m *Metrics) RecordTurn(ctx context.Context, brain, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("brain", brain),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordGuardBlock records a guard suppression by rule name.
func (m *Metrics) RecordGuardBlock(ctx context.Context, rule string) {
	m.GuardBlocks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}
