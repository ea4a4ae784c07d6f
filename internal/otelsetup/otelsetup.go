// Package otelsetup builds the tracer used to wrap scheduler and supervisor
// phases in spans, grounded on the corpus's otel/init.go: an OTLP/HTTP
// exporter when an endpoint is configured, a no-op provider otherwise.
package otelsetup

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the tracer provider used by core components; Shutdown is a
// no-op when no exporter was configured.
type Provider struct {
	tp       *sdktrace.TracerProvider
	shutdown func(context.Context) error
}

// New builds a Provider. An empty endpoint yields a no-op tracer (otel's
// default global tracer, which records nothing); a non-empty endpoint wires
// an OTLP/HTTP batch exporter.
func New(ctx context.Context, endpoint, workerID string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{shutdown: func(context.Context) error { return nil }}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripProtocol(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otelsetup: create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "aonp-worker"),
			attribute.String("service.instance.id", workerID),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("otelsetup: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, shutdown: func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}}, nil
}

// Tracer returns the tracer components should use to start spans.
func (p *Provider) Tracer() trace.Tracer {
	if p.tp != nil {
		return p.tp.Tracer("aonp")
	}
	return otel.Tracer("aonp")
}

// Shutdown flushes and stops any configured exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

func stripProtocol(endpoint string) string {
	switch {
	case len(endpoint) > 7 && endpoint[:7] == "http://":
		return endpoint[7:]
	case len(endpoint) > 8 && endpoint[:8] == "https://":
		return endpoint[8:]
	default:
		return endpoint
	}
}
