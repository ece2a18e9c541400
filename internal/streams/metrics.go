package streams

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type streamMetrics struct {
	inboundBytes  metric.Int64Counter
	outboundBytes metric.Int64Counter
	terminal      metric.Int64Counter
	active        metric.Int64ObservableGauge
}

func newStreamMetrics(logger pslog.Logger, m *Multiplexer) *streamMetrics {
	meter := otel.Meter("pkt.systems/leasewire/streams")
	sm := &streamMetrics{}
	var err error

	sm.inboundBytes, err = meter.Int64Counter(
		"leasewire.stream.inbound.bytes",
		metric.WithDescription("Bytes received on inbound streams"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "leasewire.stream.inbound.bytes", err)

	sm.outboundBytes, err = meter.Int64Counter(
		"leasewire.stream.outbound.bytes",
		metric.WithDescription("Bytes pushed on outbound streams"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "leasewire.stream.outbound.bytes", err)

	sm.terminal, err = meter.Int64Counter(
		"leasewire.stream.terminal",
		metric.WithDescription("Streams that reached a terminal state"),
	)
	logMetricInitError(logger, "leasewire.stream.terminal", err)

	sm.active, err = meter.Int64ObservableGauge(
		"leasewire.stream.active",
		metric.WithDescription("Inbound streams holding a keep-alive ref"),
	)
	logMetricInitError(logger, "leasewire.stream.active", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if m == nil || sm.active == nil {
			return nil
		}
		o.ObserveInt64(sm.active, int64(m.Active()))
		return nil
	}, sm.active); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "leasewire.stream.active", "error", err)
	}
	return sm
}

func (sm *streamMetrics) recordInbound(bytes int64, reason string) {
	if sm == nil {
		return
	}
	ctx := context.Background()
	if sm.inboundBytes != nil && bytes > 0 {
		sm.inboundBytes.Add(ctx, bytes)
	}
	if sm.terminal != nil {
		sm.terminal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("leasewire.stream.direction", "inbound"),
			attribute.String("leasewire.stream.reason", reason),
		))
	}
}

func (sm *streamMetrics) recordOutbound(ctx context.Context, bytes int64, err error) {
	if sm == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if sm.outboundBytes != nil && bytes > 0 {
		sm.outboundBytes.Add(ctx, bytes)
	}
	if sm.terminal != nil {
		sm.terminal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("leasewire.stream.direction", "outbound"),
			attribute.String("leasewire.stream.reason", metricResultLabel(err)),
		))
	}
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
