package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracer installs a global tracer provider that prints spans to stderr.
// When disabled spans are still created but exported to io.Discard.
func InitTracer(instanceID string, enabled bool, logger *slog.Logger) (func(context.Context) error, error) {
	var out io.Writer = io.Discard
	if enabled {
		out = os.Stderr
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "ibportal"),
		attribute.String("service.instance.id", instanceID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracer initialized", "instance_id", instanceID, "export", enabled)
	return tp.Shutdown, nil
}
