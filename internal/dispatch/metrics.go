package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
)

type dispatchMetrics struct {
	sent        metric.Int64Counter
	settled     metric.Int64Counter
	duration    metric.Int64Histogram
	outstanding metric.Int64ObservableGauge
}

func newDispatchMetrics(logger pslog.Logger, d *Dispatcher) *dispatchMetrics {
	meter := otel.Meter("pkt.systems/leasewire/dispatch")
	m := &dispatchMetrics{}
	var err error

	m.sent, err = meter.Int64Counter(
		"leasewire.call.sent",
		metric.WithDescription("Calls written to the channel"),
	)
	logMetricInitError(logger, "leasewire.call.sent", err)

	m.settled, err = meter.Int64Counter(
		"leasewire.call.settled",
		metric.WithDescription("Calls settled by response, timeout, cancellation, or reset"),
	)
	logMetricInitError(logger, "leasewire.call.settled", err)

	m.duration, err = meter.Int64Histogram(
		"leasewire.call.duration_ms",
		metric.WithDescription("Call round trip duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "leasewire.call.duration_ms", err)

	m.outstanding, err = meter.Int64ObservableGauge(
		"leasewire.call.outstanding",
		metric.WithDescription("Calls awaiting a response"),
	)
	logMetricInitError(logger, "leasewire.call.outstanding", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if d == nil || m.outstanding == nil {
			return nil
		}
		o.ObserveInt64(m.outstanding, int64(d.Outstanding()))
		return nil
	}, m.outstanding); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "leasewire.call.outstanding", "error", err)
	}
	return m
}

func (m *dispatchMetrics) recordSent(ctx context.Context, kind api.CallKind) {
	if m == nil || m.sent == nil {
		return
	}
	m.sent.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("leasewire.call.kind", string(kind))))
}

func (m *dispatchMetrics) recordSettled(kind api.CallKind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("leasewire.call.kind", string(kind)),
		attribute.String("leasewire.call.result", result),
	)
	ctx := context.Background()
	if m.settled != nil {
		m.settled.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
