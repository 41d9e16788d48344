package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once

	actionCounter   metric.Int64Counter
	itemCounter     metric.Int64Counter
	undoCounter     metric.Int64Counter
	forensicCounter metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter(instrumentationScope)

	actionCounter, _ = meter.Int64Counter("hb.bulk.actions",
		metric.WithDescription("Bulk actions executed"))
	itemCounter, _ = meter.Int64Counter("hb.bulk.items",
		metric.WithDescription("Per-item outcomes across bulk actions"))
	undoCounter, _ = meter.Int64Counter("hb.undo.runs",
		metric.WithDescription("Ledger undo executions"))
	forensicCounter, _ = meter.Int64Counter("hb.forensic.changes",
		metric.WithDescription("Forensically detected changes"))
}

// RecordBulkAction records one bulk action execution and its item outcomes.
func RecordBulkAction(ctx context.Context, action string, dryRun bool, succeeded, failed, skipped int) {
	metricsOnce.Do(initMetrics)

	actionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("dry_run", dryRun),
	))
	add := func(status string, n int) {
		if n > 0 {
			itemCounter.Add(ctx, int64(n), metric.WithAttributes(
				attribute.String("action", action),
				attribute.String("status", status),
			))
		}
	}
	add("succeeded", succeeded)
	add("failed", failed)
	add("skipped", skipped)
}

// RecordUndo records one ledger undo execution.
func RecordUndo(ctx context.Context, dryRun, fullSuccess bool) {
	metricsOnce.Do(initMetrics)
	undoCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("dry_run", dryRun),
		attribute.Bool("full_success", fullSuccess),
	))
}

// RecordForensic records detection counts from one forensic analysis.
func RecordForensic(ctx context.Context, detected, needingRevert int) {
	metricsOnce.Do(initMetrics)
	forensicCounter.Add(ctx, int64(detected), metric.WithAttributes(
		attribute.String("kind", "detected")))
	forensicCounter.Add(ctx, int64(needingRevert), metric.WithAttributes(
		attribute.String("kind", "needing_revert")))
}
