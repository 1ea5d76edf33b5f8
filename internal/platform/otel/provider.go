package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/louisbranch/escalator"

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when ESCALATOR_OTEL_ENDPOINT is empty or
// ESCALATOR_OTEL_ENABLED is "false", Setup returns a no-op shutdown function
// and no global provider is registered. ESCALATOR_OTEL_SAMPLE_RATIO selects a
// parent-based ratio sampler in (0,1]; unset means sample everything.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv("ESCALATOR_OTEL_ENABLED"), "false") {
		return noop, nil
	}

	endpoint := strings.TrimSpace(os.Getenv("ESCALATOR_OTEL_ENDPOINT"))
	if endpoint == "" {
		return noop, nil
	}

	sampler, err := samplerFromEnv(os.Getenv("ESCALATOR_OTEL_SAMPLE_RATIO"))
	if err != nil {
		return noop, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the escalator tracer from the global provider. Before Setup
// registers a provider it yields no-op spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func samplerFromEnv(raw string) (sdktrace.Sampler, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sdktrace.AlwaysSample(), nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("parse ESCALATOR_OTEL_SAMPLE_RATIO: %w", err)
	}
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("ESCALATOR_OTEL_SAMPLE_RATIO must be in (0,1], got %v", ratio)
	}
	if ratio == 1 {
		return sdktrace.AlwaysSample(), nil
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
}
