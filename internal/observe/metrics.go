// Package observe provides observability primitives for the Verbano call
// engine: OpenTelemetry metrics, tracing helpers, and structured-logging
// helpers.
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

// meterName is the instrumentation scope name used for all Verbano metrics.
const meterName = "github.com/verbano-app/verbano"

// Metrics holds all OpenTelemetry metric instruments for the call engine.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks transport session establishment latency.
	// Use with attribute.String("binding", ...).
	ConnectDuration metric.Float64Histogram

	// FirstAudioDuration tracks the time from sending a transcript to the
	// first audio segment of the agent's reply.
	FirstAudioDuration metric.Float64Histogram

	// CallDuration tracks total call length.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversation turns by role.
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of agent speech.
	BargeIns metric.Int64Counter

	// Fallbacks counts sessions established on the fallback binding.
	Fallbacks metric.Int64Counter

	// DecodeErrors counts audio segments dropped due to decode failure.
	DecodeErrors metric.Int64Counter

	// RecognizerRestarts counts silent recognizer session restarts.
	RecognizerRestarts metric.Int64Counter

	// TransportErrors counts non-fatal transport errors during active calls.
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines bucket boundaries (in seconds) for whole-call lengths.
var callBuckets = []float64{
	15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("verbano.transport.connect.duration",
		metric.WithDescription("Latency of conversation session establishment by binding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioDuration, err = m.Float64Histogram("verbano.turn.first_audio.duration",
		metric.WithDescription("Time from transcript send to first reply audio segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("verbano.call.duration",
		metric.WithDescription("Total call length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("verbano.turns",
		metric.WithDescription("Completed conversation turns by role."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("verbano.barge_ins",
		metric.WithDescription("User interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("verbano.transport.fallbacks",
		metric.WithDescription("Sessions established on the fallback binding."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("verbano.playback.decode_errors",
		metric.WithDescription("Audio segments dropped due to decode failure."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerRestarts, err = m.Int64Counter("verbano.recognizer.restarts",
		metric.WithDescription("Silent recognizer session restarts."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("verbano.transport.errors",
		metric.WithDescription("Non-fatal transport errors during active calls."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("verbano.active_calls",
		metric.WithDescription("Number of live calls."),
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

// RecordConnect records one session establishment with its binding label.
func (m *Metrics) RecordConnect(ctx context.Context, binding string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("binding", binding)),
	)
}

// RecordTurn records one completed conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}
