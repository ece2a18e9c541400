package lease

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type leaseMetrics struct {
	acquireCount    metric.Int64Counter
	acquireDuration metric.Int64Histogram
	releaseCount    metric.Int64Counter
	pendingGauge    metric.Int64ObservableGauge
	heldGauge       metric.Int64ObservableGauge
}

func newLeaseMetrics(logger pslog.Logger, mgr *Manager) *leaseMetrics {
	meter := otel.Meter("pkt.systems/leasewire/lease")
	m := &leaseMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"leasewire.lease.acquire",
		metric.WithDescription("Lease acquisitions"),
	)
	logMetricInitError(logger, "leasewire.lease.acquire", err)

	m.acquireDuration, err = meter.Int64Histogram(
		"leasewire.lease.acquire.duration_ms",
		metric.WithDescription("Lease acquire duration including pending waits"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "leasewire.lease.acquire.duration_ms", err)

	m.releaseCount, err = meter.Int64Counter(
		"leasewire.lease.release",
		metric.WithDescription("Lease release calls, including pending cancellations"),
	)
	logMetricInitError(logger, "leasewire.lease.release", err)

	m.pendingGauge, err = meter.Int64ObservableGauge(
		"leasewire.lease.pending",
		metric.WithDescription("Acquisitions waiting for a notification"),
	)
	logMetricInitError(logger, "leasewire.lease.pending", err)

	m.heldGauge, err = meter.Int64ObservableGauge(
		"leasewire.lease.held",
		metric.WithDescription("Leases granted and not yet released"),
	)
	logMetricInitError(logger, "leasewire.lease.held", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if mgr == nil {
			return nil
		}
		if m.pendingGauge != nil {
			o.ObserveInt64(m.pendingGauge, int64(mgr.Pending()))
		}
		if m.heldGauge != nil {
			o.ObserveInt64(m.heldGauge, mgr.Held())
		}
		return nil
	}, m.pendingGauge, m.heldGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "leasewire.lease", "error", err)
	}
	return m
}

func (m *leaseMetrics) recordAcquire(ctx context.Context, exclusive bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("leasewire.lease.mode", modeLabel(exclusive)),
		attribute.String("leasewire.lease.result", metricResultLabel(err)),
	)
	if m.acquireCount != nil {
		m.acquireCount.Add(ctx, 1, attrs)
	}
	if m.acquireDuration != nil {
		m.acquireDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *leaseMetrics) recordRelease(ctx context.Context, _ time.Duration, err error) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("leasewire.lease.result", metricResultLabel(err)),
	))
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
