package telemetry

import (
	"context"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks the span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func ShardAttr(shard int) attribute.KeyValue {
	return attribute.Int("shard_key", shard)
}

func EntityAttr(entityType domain.EntityType) attribute.KeyValue {
	return attribute.String("entity_type", string(entityType))
}

func RecordAttr(id string) attribute.KeyValue {
	return attribute.String("record_id", id)
}
