package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectAttributes writes the trace context of ctx into message attributes.
func InjectAttributes(ctx context.Context, attrs map[string]string) {
	if attrs == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
}

// ExtractAttributes returns ctx enriched with any trace context carried by attrs.
func ExtractAttributes(ctx context.Context, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
}
