// Package observe provides application-wide observability primitives for
// avatarkit: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so metrics can be scraped from
// [MetricsHandler]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all avatarkit metrics.
const meterName = "github.com/MrWong99/avatarkit"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech recognition latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks the duration of one generation call.
	LLMDuration metric.Float64Histogram

	// LLMFirstToken tracks the time from request to the first content delta.
	LLMFirstToken metric.Float64Histogram

	// TTSDuration tracks per-item synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TurnDuration tracks a full dialog turn from request to last item played.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations by tool and status.
	ToolCalls metric.Int64Counter

	// Turns counts finished dialog turns by outcome
	// ("completed", "error", "canceled").
	Turns metric.Int64Counter

	// StreamRetries counts generation calls restarted after a timeout.
	StreamRetries metric.Int64Counter

	// StreamTimeouts counts generation calls that received no data in time.
	StreamTimeouts metric.Int64Counter

	// ContentItems counts content items pushed to playback.
	ContentItems metric.Int64Counter

	// DialogTransitions counts state machine transitions by target state.
	DialogTransitions metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker transitions by
	// provider and target state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks connected avatar clients.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks API request latency by route pattern and
	// status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = histogram("avatarkit.stt.duration", "Latency of speech recognition."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("avatarkit.llm.duration", "Duration of one generation call."); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = histogram("avatarkit.llm.first_token", "Time to the first content delta of a generation call."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("avatarkit.tts.duration", "Latency of per-sentence synthesis."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = histogram("avatarkit.tool_execution.duration", "Latency of tool execution."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = histogram("avatarkit.turn.duration", "Duration of a dialog turn."); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("avatarkit.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("avatarkit.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("avatarkit.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("avatarkit.turns",
		metric.WithDescription("Total dialog turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StreamRetries, err = m.Int64Counter("avatarkit.stream.retries",
		metric.WithDescription("Generation calls restarted after a no-data timeout."),
	); err != nil {
		return nil, err
	}
	if met.StreamTimeouts, err = m.Int64Counter("avatarkit.stream.timeouts",
		metric.WithDescription("Generation calls that received no data before the deadline."),
	); err != nil {
		return nil, err
	}
	if met.ContentItems, err = m.Int64Counter("avatarkit.content.items",
		metric.WithDescription("Content items queued for playback."),
	); err != nil {
		return nil, err
	}
	if met.DialogTransitions, err = m.Int64Counter("avatarkit.dialog.transitions",
		metric.WithDescription("Dialog state machine transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("avatarkit.breaker.transitions",
		metric.WithDescription("Provider circuit breaker transitions by target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("avatarkit.active_connections",
		metric.WithDescription("Number of connected avatar clients."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("avatarkit.active_turns",
		metric.WithDescription("Number of dialog turns in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("avatarkit.http.request.duration",
		metric.WithDescription("HTTP request latency by route and status."),
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

// RecordToolCall records a tool call counter increment.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records a finished turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTransition records a dialog state transition.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.DialogTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordBreakerTransition records the breaker of a provider entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("state", state),
		),
	)
}
