// Package observe provides application-wide observability primitives for
// Talking Rock: OpenTelemetry metrics, tracing, and HTTP middleware that
// ties them together with request ids.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Talking Rock
// metrics.
const meterName = "github.com/kbrengel/talkingrock"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RequestDuration tracks full pipeline walltime per chat request. Use
	// with attribute:
	//   attribute.String("outcome", ...)  // success | blocked | error
	RequestDuration metric.Float64Histogram

	// StageDuration tracks per-stage latency. Use with attribute:
	//   attribute.String("stage", ...)  // L0..L9
	StageDuration metric.Float64Histogram

	// ModelCallDuration tracks backend model call latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("stage", ...)
	ModelCallDuration metric.Float64Histogram

	// --- Counters ---

	// Blocks counts requests terminated by a defense stage. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("reason", ...)
	Blocks metric.Int64Counter

	// DomainRequests counts routed requests per knowledge domain.
	DomainRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ModelErrors counts backend model failures. Use with attributes:
	//   attribute.String("model", ...), attribute.String("kind", ...)
	ModelErrors metric.Int64Counter

	// --- Distributions ---

	// IntentConfidence tracks the router's confidence per request.
	IntentConfidence metric.Float64Histogram

	// ResponseLength tracks delivered response size in characters.
	ResponseLength metric.Int64Histogram

	// ConversationTurns tracks how deep conversations run, sampled at
	// append time.
	ConversationTurns metric.Int64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// meter is retained for late registration of observable gauges.
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The
// upper buckets cover slow local generator calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// confidenceBuckets spans the router's 0..1 confidence range.
var confidenceBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

// lengthBuckets defines response-size boundaries in characters.
var lengthBuckets = []float64{50, 100, 200, 400, 800, 1600, 3200}

// turnBuckets covers the conversation turn bound.
var turnBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.RequestDuration, err = m.Float64Histogram("talkingrock.request.duration",
		metric.WithDescription("Full pipeline walltime per chat request by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("talkingrock.stage.duration",
		metric.WithDescription("Per-stage pipeline latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelCallDuration, err = m.Float64Histogram("talkingrock.model.duration",
		metric.WithDescription("Backend model call latency by model and stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Blocks, err = m.Int64Counter("talkingrock.pipeline.blocks",
		metric.WithDescription("Requests terminated by a defense stage, by stage and reason."),
	); err != nil {
		return nil, err
	}
	if met.DomainRequests, err = m.Int64Counter("talkingrock.domain.requests",
		metric.WithDescription("Routed requests per knowledge domain."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("talkingrock.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("talkingrock.model.errors",
		metric.WithDescription("Backend model failures by model and kind."),
	); err != nil {
		return nil, err
	}

	// Distributions.
	if met.IntentConfidence, err = m.Float64Histogram("talkingrock.intent.confidence",
		metric.WithDescription("Router confidence per request."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLength, err = m.Int64Histogram("talkingrock.response.length",
		metric.WithDescription("Delivered response size in characters."),
		metric.WithExplicitBucketBoundaries(lengthBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversationTurns, err = m.Int64Histogram("talkingrock.conversation.turns",
		metric.WithDescription("User turns per conversation, sampled at append time."),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkingrock.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterActiveConversations registers an observable gauge that samples
// the conversation store size at collection time. Call once at startup.
func (m *Metrics) RegisterActiveConversations(fn func() int64) error {
	gauge, err := m.meter.Int64ObservableGauge("talkingrock.conversations.active",
		metric.WithDescription("Conversations currently held in memory."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, fn())
		return nil
	}, gauge)
	return err
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

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordBlock records a request terminated by a defense stage.
func (m *Metrics) RecordBlock(ctx context.Context, stage, reason string) {
	m.Blocks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("reason", reason),
		),
	)
}

// RecordModelCall records one backend model call.
func (m *Metrics) RecordModelCall(ctx context.Context, model, stage string, d time.Duration) {
	m.ModelCallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("stage", stage),
		),
	)
}

// RecordModelError records a backend model failure.
func (m *Metrics) RecordModelError(ctx context.Context, model, kind string) {
	m.ModelErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("kind", kind),
		),
	)
}

// RecordDomain records a successfully routed request.
func (m *Metrics) RecordDomain(ctx context.Context, domain string) {
	m.DomainRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("domain", domain)),
	)
}

// RecordToolCall records a tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
