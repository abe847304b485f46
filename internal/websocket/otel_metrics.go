package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the stream metrics
const MeterName = "tenantguard.websocket"

// OTelMetrics records security stream activity
type OTelMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	broadcasts         metric.Int64Counter
	deliveries         metric.Int64Counter
	droppedMessages    metric.Int64Counter
}

// NewOTelMetrics creates the stream instruments on meter
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	connectionsTotal, err := meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("Total number of security stream connections"),
	)
	if err != nil {
		return nil, err
	}

	connectionsActive, err := meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of connected security stream clients"),
	)
	if err != nil {
		return nil, err
	}

	connectionDuration, err := meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("Duration of security stream connections"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	broadcasts, err := meter.Int64Counter(
		"websocket_broadcasts_total",
		metric.WithDescription("Messages fanned out to clients"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter(
		"websocket_deliveries_total",
		metric.WithDescription("Per-client message deliveries by outcome"),
	)
	if err != nil {
		return nil, err
	}

	droppedMessages, err := meter.Int64Counter(
		"websocket_dropped_messages_total",
		metric.WithDescription("Messages dropped because the broadcast queue was full"),
	)
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		connectionsTotal:   connectionsTotal,
		connectionsActive:  connectionsActive,
		connectionDuration: connectionDuration,
		broadcasts:         broadcasts,
		deliveries:         deliveries,
		droppedMessages:    droppedMessages,
	}, nil
}

// RecordConnection records a new client
func (m *OTelMetrics) RecordConnection(ctx context.Context) {
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

// RecordDisconnection records a client leaving after d
func (m *OTelMetrics) RecordDisconnection(ctx context.Context, d time.Duration) {
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, d.Seconds())
}

// RecordBroadcast records one fan-out to delivered clients, failed of
// which were disconnected
func (m *OTelMetrics) RecordBroadcast(ctx context.Context, delivered, failed int64) {
	m.broadcasts.Add(ctx, 1)
	m.deliveries.Add(ctx, delivered, metric.WithAttributes(attribute.String("outcome", "delivered")))
	if failed > 0 {
		m.deliveries.Add(ctx, failed, metric.WithAttributes(attribute.String("outcome", "failed")))
		m.connectionsActive.Add(ctx, -failed)
	}
}

// RecordDropped records a message dropped before fan-out
func (m *OTelMetrics) RecordDropped(ctx context.Context) {
	m.droppedMessages.Add(ctx, 1)
}
