// Package observe provides application-wide observability primitives for
// lorekeeper: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all lorekeeper metrics.
const meterName = "github.com/MrWong99/lorekeeper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Turn lifecycle ---

	// TurnRecordDuration tracks how long the Record phase holds the store.
	TurnRecordDuration metric.Float64Histogram

	// Turns counts recorded turns. Use with attribute:
	//   attribute.String("outcome", "recorded"|"skipped"|"duplicate")
	Turns metric.Int64Counter

	// --- Scheduler ---

	// TaskDuration tracks background task execution time. Use with attribute:
	//   attribute.String("kind", ...)
	TaskDuration metric.Float64Histogram

	// TaskOutcomes counts finished or discarded tasks. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	TaskOutcomes metric.Int64Counter

	// QueueDepth tracks the number of pending scheduler tasks.
	QueueDepth metric.Int64UpDownCounter

	// --- Providers ---

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// ImageDuration tracks image generation latency.
	ImageDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Surfaces ---

	// EventSubscribers tracks connected websocket event subscribers.
	EventSubscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// in-process work such as recording a turn.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// taskBuckets covers AI work, which ranges from sub-second completions to
// multi-minute image generations.
var taskBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnRecordDuration, err = m.Float64Histogram("lorekeeper.turn.record.duration",
		metric.WithDescription("Time spent applying engine facts to memory."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TaskDuration, err = m.Float64Histogram("lorekeeper.task.duration",
		metric.WithDescription("Background task execution time by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("lorekeeper.llm.duration",
		metric.WithDescription("Latency of LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ImageDuration, err = m.Float64Histogram("lorekeeper.image.duration",
		metric.WithDescription("Latency of image generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(taskBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("lorekeeper.turns",
		metric.WithDescription("Total turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TaskOutcomes, err = m.Int64Counter("lorekeeper.task.outcomes",
		metric.WithDescription("Total background tasks by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("lorekeeper.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lorekeeper.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("lorekeeper.scheduler.queue_depth",
		metric.WithDescription("Number of pending background tasks."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("lorekeeper.events.subscribers",
		metric.WithDescription("Number of connected event stream subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lorekeeper.http.request.duration",
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

// RecordTurn records one turn outcome and, for recorded turns, how long the
// write took.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.TurnRecordDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTask records a task outcome. d is zero for tasks discarded before
// they ran, in which case no duration is observed.
func (m *Metrics) RecordTask(ctx context.Context, kind, outcome string, d time.Duration) {
	m.TaskOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
	if d > 0 {
		m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
