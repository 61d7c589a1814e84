// Package labtelemetry wires a lab run's audit stream into a real
// OpenTelemetry pipeline, adapted from the wider engine's observability
// setup but scoped to what one run needs: a tracer for the Audit
// Collector and a meter provider that exports host metrics. No
// application counters are registered on the meter.
package labtelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config names the OTLP collector endpoint and resource attributes for
// one lab run's telemetry.
type Config struct {
	OTLPEndpoint string
	ServiceName  string
	RunName      string
}

// Shutdown flushes and tears down the tracer/meter providers started by
// Init.
type Shutdown func(context.Context) error

// Init configures a real OTLP trace+metric pipeline for a lab run when
// cfg.OTLPEndpoint is set. With no endpoint configured it returns a
// no-op tracer so the caller (and the Audit Collector it feeds) works
// identically with or without a collector running — a lab run is not
// supposed to fail just because nobody started Jaeger.
func Init(ctx context.Context, cfg Config) (trace.Tracer, Shutdown, error) {
	if cfg.OTLPEndpoint == "" {
		return otel.Tracer("manifold/lab"), func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("lab.run_name", cfg.RunName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("labtelemetry: build resource: %w", err)
	}

	traceExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("labtelemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)

	metricExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint), otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, nil, fmt.Errorf("labtelemetry: metric exporter: %w", err)
	}
	reader := metric.NewPeriodicReader(metricExp, metric.WithInterval(10*time.Second))
	mp := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if err := host.Start(host.WithMeterProvider(mp)); err != nil {
		return nil, nil, fmt.Errorf("labtelemetry: start host metrics: %w", err)
	}

	shutdown := func(ctx context.Context) error {
		var first error
		if err := mp.Shutdown(ctx); err != nil {
			first = err
		}
		if err := tp.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
		return first
	}

	return tp.Tracer("manifold/lab"), shutdown, nil
}
