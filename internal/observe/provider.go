package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Telemetry bundles the SDK providers and the call engine's instruments so
// main can stand the whole pipeline up and tear it down as one unit.
type Telemetry struct {
	// Metrics carries the engine's instruments, built on the meter provider
	// below rather than the global one.
	Metrics *Metrics

	mp *sdkmetric.MeterProvider
	tp *sdktrace.TracerProvider
}

// Init wires the OpenTelemetry SDK for the process: a meter provider bridged
// to the default Prometheus registry, so everything recorded through
// [Metrics] is scrapable from /metrics, and a tracer provider that records
// spans without exporting them. Both are installed as the OTel globals, which
// is what [Tracer] and [DefaultMetrics] resolve against.
//
// Call it once per process. The Prometheus bridge registers collectors with
// the default registry, and a second registration fails.
func Init(serviceName, serviceVersion string) (*Telemetry, error) {
	if serviceName == "" {
		serviceName = "verbano"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	m, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return &Telemetry{Metrics: m, mp: mp, tp: tp}, nil
}

// Shutdown flushes and stops both providers. Call it in a defer from main().
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.mp.Shutdown(ctx), t.tp.Shutdown(ctx))
}
