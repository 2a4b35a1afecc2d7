package telemetry

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

Jaeger collects the spans emitted by the HTTP middleware and the WebSocket
message loop.

Architecture:
  HTTP request / WebSocket message → span → Jaeger Exporter → Jaeger Collector

Each WebSocket message gets its own span (see collaboration/connection.go), so
a slow approval or a failed patch batch shows up with its session id attached.
*/

// ServiceName identifies this server in traces and logs
const ServiceName = "vtt-sync"

// InitJaeger initializes Jaeger tracing exporter
// Returns a cleanup function that should be called on shutdown
func InitJaeger(jaegerEndpoint string, sampleRatio float64, log zerolog.Logger) (func(context.Context) error, error) {
	// Create Jaeger exporter
	// Learning: This sends traces to Jaeger collector
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Jaeger exporter")
	}

	// Create resource with service information
	// Learning: Resource identifies your service in Jaeger UI
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create resource")
	}

	// Create trace provider with Jaeger exporter
	// Learning: TracerProvider is the central point for creating tracers
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp), // Batch spans for efficiency
		sdktrace.WithResource(res),
		// Child spans follow the request's decision; new traces are sampled by ratio
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	// Set global tracer provider
	// Learning: This makes the tracer available throughout your app
	otel.SetTracerProvider(tp)

	log.Info().Str("endpoint", jaegerEndpoint).Float64("sample_ratio", sampleRatio).Msg("✓ Jaeger tracing initialized")

	// Return cleanup function
	// Learning: Always flush traces on shutdown!
	return tp.Shutdown, nil
}
