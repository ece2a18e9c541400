package txstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
)

type storeMetrics struct {
	ops      metric.Int64Counter
	duration metric.Int64Histogram
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/leasewire/txstore")
	m := &storeMetrics{}
	var err error

	m.ops, err = meter.Int64Counter(
		"leasewire.txstore.ops",
		metric.WithDescription("Transactional store operations"),
	)
	logMetricInitError(logger, "leasewire.txstore.ops", err)

	m.duration, err = meter.Int64Histogram(
		"leasewire.txstore.duration_ms",
		metric.WithDescription("Operation duration including the lease wait"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "leasewire.txstore.duration_ms", err)
	return m
}

func (m *storeMetrics) recordOp(ctx context.Context, store, op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(
		attribute.String("leasewire.txstore.store", store),
		attribute.String("leasewire.txstore.op", op),
		attribute.String("leasewire.txstore.result", resultLabel(err)),
	)
	if m.ops != nil {
		m.ops.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case api.IsValidation(err):
		return "validation"
	case api.IsConflict(err, ""):
		return "conflict"
	default:
		return "error"
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
