// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the engine-wide instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown combines multiple shutdown functions.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	// Trace exporter.
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// W3C Trace Context and Baggage propagate run context into outgoing skill calls.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	// Metric exporter.
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}

	return shutdown, nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// EngineMetrics holds the counters shared by the skill gate, circuit breaker
// and golden recorder. Instruments come from the global meter provider, so
// they are no-ops when OTEL is disabled.
type EngineMetrics struct {
	GateInvocations     metric.Int64Counter
	GateRejections      metric.Int64Counter
	BreakerTransitions  metric.Int64Counter
	GoldenWriteFailures metric.Int64Counter
	RunsCompleted       metric.Int64Counter
}

// NewEngineMetrics creates the engine counters. Instrument creation errors are
// ignored; the returned counters fall back to no-op instruments.
func NewEngineMetrics() *EngineMetrics {
	meter := Meter("agenticverz/engine")
	m := &EngineMetrics{}
	m.GateInvocations, _ = meter.Int64Counter("agenticverz.gate.invocations",
		metric.WithDescription("Skill invocations that passed all gate checks"))
	m.GateRejections, _ = meter.Int64Counter("agenticverz.gate.rejections",
		metric.WithDescription("Skill invocations rejected before or during execution, by failure code"))
	m.BreakerTransitions, _ = meter.Int64Counter("agenticverz.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	m.GoldenWriteFailures, _ = meter.Int64Counter("agenticverz.golden.write_failures",
		metric.WithDescription("Golden file writes that failed after all retries"))
	m.RunsCompleted, _ = meter.Int64Counter("agenticverz.runs.completed",
		metric.WithDescription("Runs that reached a terminal or retry status, by status"))
	if m.GateInvocations == nil {
		m = noopEngineMetrics()
	}
	return m
}

func noopEngineMetrics() *EngineMetrics {
	meter := noop.NewMeterProvider().Meter("agenticverz/engine")
	m := &EngineMetrics{}
	m.GateInvocations, _ = meter.Int64Counter("agenticverz.gate.invocations")
	m.GateRejections, _ = meter.Int64Counter("agenticverz.gate.rejections")
	m.BreakerTransitions, _ = meter.Int64Counter("agenticverz.breaker.transitions")
	m.GoldenWriteFailures, _ = meter.Int64Counter("agenticverz.golden.write_failures")
	m.RunsCompleted, _ = meter.Int64Counter("agenticverz.runs.completed")
	return m
}
