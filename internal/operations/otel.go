package operations

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"metrofleet/internal/infrastructure"
)

const TracerName = "metrofleet.scheduler"

// AssetTracer wraps asset runs in spans and feeds the pipeline metrics
type AssetTracer struct {
	tracer  trace.Tracer
	metrics *infrastructure.PipelineMetrics
}

// NewAssetTracer creates a tracer. A nil metrics value disables metrics.
func NewAssetTracer(metrics *infrastructure.PipelineMetrics) *AssetTracer {
	return &AssetTracer{
		tracer:  otel.Tracer(TracerName),
		metrics: metrics,
	}
}

// StartRun opens the asset.materialize span for one run
func (t *AssetTracer) StartRun(ctx context.Context, asset, partitionKey, runID string, attempt int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "asset.materialize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("asset.name", asset),
			attribute.String("asset.partition", partitionKey),
			attribute.String("run.id", runID),
			attribute.Int("run.attempt", attempt),
		),
	)
	if t.metrics != nil {
		t.metrics.RunningAssets.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", asset)))
	}
	return ctx, span
}

// EndRun closes the span and records the outcome
func (t *AssetTracer) EndRun(ctx context.Context, span trace.Span, asset string, status RecordStatus, rows int64, duration time.Duration, err error) {
	span.SetAttributes(
		attribute.String("run.status", string(status)),
		attribute.Int64("run.rows", rows),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", string(KindOf(err))))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if t.metrics != nil {
		t.metrics.RunningAssets.Add(ctx, -1, metric.WithAttributes(attribute.String("asset", asset)))
		t.metrics.RecordMaterialization(ctx, asset, string(status), rows, duration)
	}
}

// RecordRetry counts a scheduled automatic retry
func (t *AssetTracer) RecordRetry(ctx context.Context, asset string, kind ErrorKind) {
	if t.metrics == nil {
		return
	}
	t.metrics.RetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("asset", asset),
		attribute.String("error_kind", string(kind)),
	))
}
