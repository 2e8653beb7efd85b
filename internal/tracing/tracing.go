// Package tracing installs the process-wide tracer provider that the
// pipeline and lens spans record into.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Setup registers an sdk tracer provider as the global provider and returns
// its shutdown hook. Without a configured exporter the spans stay
// process-local, but they carry real trace contexts and propagate across the
// outbound calls.
func Setup(serviceName, serviceVersion string) func(context.Context) error {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}
