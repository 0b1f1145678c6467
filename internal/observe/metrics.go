// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and scraped through
// [MetricsHandler]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn pipeline ---

	// TurnsSubmitted counts submission gate outcomes. Use with attribute:
	//   attribute.String("status", "accepted"|"duplicate"|"closed"|"rejected")
	TurnsSubmitted metric.Int64Counter

	// PipelineDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", "transcode"|"upload"|"generate"|"transcribe"|"join"|"total")
	PipelineDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Sessions ---

	// SessionsCreated counts admitted sessions.
	SessionsCreated metric.Int64Counter

	// SessionsTerminated counts terminal transitions by reason.
	SessionsTerminated metric.Int64Counter

	// CapacityRejections counts admission-control denials. Use with attribute:
	//   attribute.String("kind", "active"|"pending")
	CapacityRejections metric.Int64Counter

	// ObjectiveChecks counts objective verdicts by status.
	ObjectiveChecks metric.Int64Counter

	// --- Evaluation ---

	// EvaluationAttempts counts scoring attempts by outcome.
	EvaluationAttempts metric.Int64Counter

	// EvaluationQueueLatency tracks completedAt-queuedAt. Use with attribute:
	//   attribute.String("source", "read"|"completion")
	EvaluationQueueLatency metric.Float64Histogram

	// --- Realtime hub ---

	// HubListeners tracks the number of connected realtime listeners.
	HubListeners metric.Int64UpDownCounter

	// HubBroadcasts counts broadcasts that reached at least one listener.
	HubBroadcasts metric.Int64Counter

	// --- Background tasks ---

	// Tasks counts supervised background tasks by name and final status.
	Tasks metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for model
// round trips, which range from tens of milliseconds to several seconds.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// queueBuckets covers evaluation queue latency, which includes backoff sleeps
// and scorer calls.
var queueBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnsSubmitted, err = m.Int64Counter("parley.turns.submitted",
		metric.WithDescription("Turn submissions by gate outcome."),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("parley.pipeline.duration",
		metric.WithDescription("Latency of turn pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.SessionsCreated, err = m.Int64Counter("parley.sessions.created",
		metric.WithDescription("Sessions admitted by admission control."),
	); err != nil {
		return nil, err
	}
	if met.SessionsTerminated, err = m.Int64Counter("parley.sessions.terminated",
		metric.WithDescription("Sessions ended, by termination reason."),
	); err != nil {
		return nil, err
	}
	if met.CapacityRejections, err = m.Int64Counter("parley.capacity.rejections",
		metric.WithDescription("Session creations denied by capacity ceilings."),
	); err != nil {
		return nil, err
	}
	if met.ObjectiveChecks, err = m.Int64Counter("parley.objective.checks",
		metric.WithDescription("Objective checker verdicts by status."),
	); err != nil {
		return nil, err
	}

	if met.EvaluationAttempts, err = m.Int64Counter("parley.evaluation.attempts",
		metric.WithDescription("Evaluation scoring attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.EvaluationQueueLatency, err = m.Float64Histogram("parley.evaluation.queue_latency",
		metric.WithDescription("Time from evaluation enqueue to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(queueBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HubListeners, err = m.Int64UpDownCounter("parley.hub.listeners",
		metric.WithDescription("Number of connected realtime listeners."),
	); err != nil {
		return nil, err
	}
	if met.HubBroadcasts, err = m.Int64Counter("parley.hub.broadcasts",
		metric.WithDescription("Realtime events delivered, by event type."),
	); err != nil {
		return nil, err
	}

	if met.Tasks, err = m.Int64Counter("parley.tasks",
		metric.WithDescription("Supervised background tasks by name and status."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
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

// RecordTurn records a submission gate outcome.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.TurnsSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.PipelineDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTermination records a session reaching its terminal state.
func (m *Metrics) RecordTermination(ctx context.Context, reason string) {
	m.SessionsTerminated.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCapacityRejection records an admission-control denial of the given
// kind ("active" or "pending").
func (m *Metrics) RecordCapacityRejection(ctx context.Context, kind string) {
	m.CapacityRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordObjectiveCheck records an objective verdict.
func (m *Metrics) RecordObjectiveCheck(ctx context.Context, status string) {
	m.ObjectiveChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEvaluationAttempt records one scoring attempt outcome.
func (m *Metrics) RecordEvaluationAttempt(ctx context.Context, status string) {
	m.EvaluationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordQueueLatency records evaluation queue latency. source is "read" for
// synchronous reads and "completion" when the runner finishes.
func (m *Metrics) RecordQueueLatency(ctx context.Context, source string, d time.Duration) {
	m.EvaluationQueueLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// RecordBroadcast records a hub broadcast of the given event type.
func (m *Metrics) RecordBroadcast(ctx context.Context, eventType string) {
	m.HubBroadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordTask records the final status of a supervised background task.
func (m *Metrics) RecordTask(ctx context.Context, name, status string) {
	m.Tasks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("status", status),
		),
	)
}
