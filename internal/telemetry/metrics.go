package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/flurbudurbur/fieldsync"

// Metrics records the sync counters on an otel meter and keeps process-local totals
// for the stats endpoint.
type Metrics struct {
	created   metric.Int64Counter
	processed metric.Int64Counter
	failed    metric.Int64Counter
	conflicts metric.Int64Counter
	duration  metric.Float64Histogram

	createdTotal   atomic.Int64
	processedTotal atomic.Int64
	failedTotal    atomic.Int64
	conflictTotal  atomic.Int64
}

// Snapshot is a point-in-time copy of the process-local totals.
type Snapshot struct {
	Created   int64 `json:"created"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Conflicts int64 `json:"conflicts"`
}

// NewMetrics registers the instruments on mp, or on the global provider when nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	m := &Metrics{}
	var err error

	if m.created, err = meter.Int64Counter("sync_record_created_total",
		metric.WithDescription("Total number of sync records created")); err != nil {
		return nil, errors.Wrap(err, "could not create counter sync_record_created_total")
	}
	if m.processed, err = meter.Int64Counter("sync_record_processed_total",
		metric.WithDescription("Total number of sync records processed")); err != nil {
		return nil, errors.Wrap(err, "could not create counter sync_record_processed_total")
	}
	if m.failed, err = meter.Int64Counter("sync_record_failed_total",
		metric.WithDescription("Total number of failed sync records")); err != nil {
		return nil, errors.Wrap(err, "could not create counter sync_record_failed_total")
	}
	if m.conflicts, err = meter.Int64Counter("sync_record_conflict_total",
		metric.WithDescription("Total number of optimistic concurrency conflicts")); err != nil {
		return nil, errors.Wrap(err, "could not create counter sync_record_conflict_total")
	}
	if m.duration, err = meter.Float64Histogram("sync_processing_duration_seconds",
		metric.WithDescription("Time spent processing sync records"),
		metric.WithUnit("s")); err != nil {
		return nil, errors.Wrap(err, "could not create histogram sync_processing_duration_seconds")
	}

	return m, nil
}

func recordAttrs(shard int, entityType domain.EntityType) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.Int("shard_key", shard),
		attribute.String("entity_type", string(entityType)),
	)
}

func (m *Metrics) RecordCreated(ctx context.Context, shard int, entityType domain.EntityType) {
	m.createdTotal.Add(1)
	m.created.Add(ctx, 1, recordAttrs(shard, entityType))
}

func (m *Metrics) RecordProcessed(ctx context.Context, shard int, entityType domain.EntityType) {
	m.processedTotal.Add(1)
	m.processed.Add(ctx, 1, recordAttrs(shard, entityType))
}

func (m *Metrics) RecordFailed(ctx context.Context, shard int, entityType domain.EntityType) {
	m.failedTotal.Add(1)
	m.failed.Add(ctx, 1, recordAttrs(shard, entityType))
}

func (m *Metrics) RecordConflict(ctx context.Context, shard int, entityType domain.EntityType) {
	m.conflictTotal.Add(1)
	m.conflicts.Add(ctx, 1, recordAttrs(shard, entityType))
}

func (m *Metrics) ObserveDuration(ctx context.Context, shard int, entityType domain.EntityType, d time.Duration) {
	m.duration.Record(ctx, d.Seconds(), recordAttrs(shard, entityType))
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Created:   m.createdTotal.Load(),
		Processed: m.processedTotal.Load(),
		Failed:    m.failedTotal.Load(),
		Conflicts: m.conflictTotal.Load(),
	}
}
