package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/leasewire/api"
)

type agentMetrics struct {
	requests    metric.Int64Counter
	acquires    metric.Int64Counter
	objectBytes metric.Int64Counter
	sessions    metric.Int64ObservableGauge
	held        metric.Int64ObservableGauge
	queued      metric.Int64ObservableGauge
}

func newAgentMetrics(logger pslog.Logger, a *Agent) *agentMetrics {
	meter := otel.Meter("pkt.systems/leasewire/agent")
	m := &agentMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"leasewire.agent.requests",
		metric.WithDescription("Inbound calls served by the agent"),
	)
	logMetricInitError(logger, "leasewire.agent.requests", err)

	m.acquires, err = meter.Int64Counter(
		"leasewire.agent.lease.acquire",
		metric.WithDescription("Lease acquisitions answered by the lock table"),
	)
	logMetricInitError(logger, "leasewire.agent.lease.acquire", err)

	m.objectBytes, err = meter.Int64Counter(
		"leasewire.agent.object.bytes",
		metric.WithDescription("Content object bytes moved over streams"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "leasewire.agent.object.bytes", err)

	m.sessions, err = meter.Int64ObservableGauge(
		"leasewire.agent.sessions",
		metric.WithDescription("Worker channels currently served"),
	)
	logMetricInitError(logger, "leasewire.agent.sessions", err)

	m.held, err = meter.Int64ObservableGauge(
		"leasewire.agent.lease.held",
		metric.WithDescription("Lease tokens currently granted"),
	)
	logMetricInitError(logger, "leasewire.agent.lease.held", err)

	m.queued, err = meter.Int64ObservableGauge(
		"leasewire.agent.lease.queued",
		metric.WithDescription("Lease requests waiting in resource queues"),
	)
	logMetricInitError(logger, "leasewire.agent.lease.queued", err)

	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		held, queued := a.locks.Stats()
		if m.sessions != nil {
			o.ObserveInt64(m.sessions, int64(a.Sessions()))
		}
		if m.held != nil {
			o.ObserveInt64(m.held, int64(held))
		}
		if m.queued != nil {
			o.ObserveInt64(m.queued, int64(queued))
		}
		return nil
	}, m.sessions, m.held, m.queued); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "leasewire.agent", "error", err)
	}
	return m
}

func (m *agentMetrics) recordRequest(kind api.CallKind) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("leasewire.agent.kind", string(kind)),
	))
}

func (m *agentMetrics) recordAcquire(exclusive, granted bool) {
	if m == nil || m.acquires == nil {
		return
	}
	mode := "shared"
	if exclusive {
		mode = "exclusive"
	}
	m.acquires.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("leasewire.lease.mode", mode),
		attribute.Bool("leasewire.lease.granted", granted),
	))
}

func (m *agentMetrics) recordObjectBytes(direction string, n int64) {
	if m == nil || m.objectBytes == nil || n <= 0 {
		return
	}
	m.objectBytes.Add(context.Background(), n, metric.WithAttributes(
		attribute.String("leasewire.agent.direction", direction),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
