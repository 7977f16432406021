// Package telemetry sets up OpenTelemetry tracing and carries trace
// context across the message channel.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter names.
const (
	ExporterNone = "none"
	ExporterGCP  = "gcp"
)

// Config toggles tracing.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64
	Exporter    string
	ProjectID   string
}

// newGCPExporter is swapped in tests; the real one needs credentials.
var newGCPExporter = func(projectID string) (sdktrace.SpanExporter, error) {
	return texporter.New(texporter.WithProjectID(projectID))
}

// InitTracerProvider installs the global tracer provider and the W3C
// propagator. With the "none" exporter spans are sampled but stay in process.
func InitTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Enabled {
		return nil, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "linkscope"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	switch cfg.Exporter {
	case ExporterNone, "":
	case ExporterGCP:
		exp, err := newGCPExporter(cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}
