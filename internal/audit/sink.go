// Package audit delivers attack violations to their consumers: the
// structured log, a Kafka topic and the live admin stream. Every sink
// implements attack.Sink and is called from the engine's dispatcher, never
// from the request path.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tenantguard/internal/attack"
	"tenantguard/internal/websocket"
)

// LogSink writes each violation to the audit log
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs through logger
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

// Publish implements attack.Sink
func (s *LogSink) Publish(ctx context.Context, violations []attack.Violation) error {
	for _, v := range violations {
		s.logger.InfoContext(ctx, "security violation",
			slog.String("event_type", "security_violation"),
			slog.String("violation_id", v.ID),
			slog.String("type", string(v.Type)),
			slog.String("severity", v.Severity.String()),
			slog.String("detector", v.Detector),
			slog.String("key", v.Key),
			slog.String("tenant_id", v.TenantID),
			slog.Time("timestamp", v.Timestamp),
			slog.Any("evidence", v.Evidence),
		)
	}
	return nil
}

// FanoutSink publishes to several sinks. One failing sink does not stop
// the others; their errors are joined.
type FanoutSink struct {
	sinks []attack.Sink
}

// NewFanoutSink combines sinks, skipping nil entries
func NewFanoutSink(sinks ...attack.Sink) *FanoutSink {
	f := &FanoutSink{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of combined sinks
func (f *FanoutSink) Len() int { return len(f.sinks) }

// Publish implements attack.Sink
func (f *FanoutSink) Publish(ctx context.Context, violations []attack.Violation) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, violations); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Broadcaster is the part of the websocket hub HubSink needs
type Broadcaster interface {
	Broadcast(ctx context.Context, messageType string, data interface{}) error
}

// HubSink streams violations to connected admin dashboards
type HubSink struct {
	hub Broadcaster
}

// NewHubSink creates a sink broadcasting on hub
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

// Publish implements attack.Sink. A stopped hub is not an error.
func (s *HubSink) Publish(ctx context.Context, violations []attack.Violation) error {
	var errs []error
	for _, v := range violations {
		err := s.hub.Broadcast(ctx, websocket.TypeSecurityViolation, v)
		if err != nil && !errors.Is(err, websocket.ErrHubStopped) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
