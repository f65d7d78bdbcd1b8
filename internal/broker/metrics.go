package broker

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	active   metric.Int64UpDownCounter
	joins    metric.Int64Counter
	closes   metric.Int64Counter
	relayed  metric.Int64Counter
	failures metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	m := &metrics{}
	var err error

	if m.active, err = meter.Int64UpDownCounter("devbridge.connections.active",
		metric.WithDescription("Open websocket connections")); err != nil {
		logger.Warn("connections.active counter unavailable", "error", err)
		m.active = noop.Int64UpDownCounter{}
	}
	if m.joins, err = meter.Int64Counter("devbridge.joins",
		metric.WithDescription("Join attempts by result")); err != nil {
		logger.Warn("joins counter unavailable", "error", err)
		m.joins = noop.Int64Counter{}
	}
	if m.closes, err = meter.Int64Counter("devbridge.closes",
		metric.WithDescription("Connection closes by close code")); err != nil {
		logger.Warn("closes counter unavailable", "error", err)
		m.closes = noop.Int64Counter{}
	}
	if m.relayed, err = meter.Int64Counter("devbridge.messages.relayed",
		metric.WithDescription("Envelopes delivered to recipients")); err != nil {
		logger.Warn("messages.relayed counter unavailable", "error", err)
		m.relayed = noop.Int64Counter{}
	}
	if m.failures, err = meter.Int64Counter("devbridge.broadcast.failures",
		metric.WithDescription("Per-recipient send failures during broadcast")); err != nil {
		logger.Warn("broadcast.failures counter unavailable", "error", err)
		m.failures = noop.Int64Counter{}
	}
	return m
}

func (m *metrics) join(result string) {
	m.joins.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) closed(code int) {
	ctx := context.Background()
	m.closes.Add(ctx, 1, metric.WithAttributes(attribute.Int("code", code)))
	m.active.Add(ctx, -1)
}
