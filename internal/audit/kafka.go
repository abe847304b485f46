package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"tenantguard/internal/attack"
)

const defaultWriteTimeout = 10 * time.Second

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes violations as JSON records keyed by violation key,
// so every event for one IP or session lands on the same partition
type KafkaSink struct {
	writer       messageWriter
	topic        string
	source       string
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewKafkaSink creates a synchronous writer for topic on brokers
func NewKafkaSink(brokers []string, topic, source string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: defaultWriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaSink(w, topic, source, logger)
}

func newKafkaSink(w messageWriter, topic, source string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSink{
		writer:       w,
		topic:        topic,
		source:       source,
		writeTimeout: defaultWriteTimeout,
		logger:       logger.With(slog.String("component", "audit.kafka"), slog.String("topic", topic)),
	}
}

// Publish implements attack.Sink
func (s *KafkaSink) Publish(ctx context.Context, violations []attack.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(violations))
	for _, v := range violations {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize violation %s: %w", v.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(v.Key),
			Value: payload,
			Time:  v.Timestamp,
			Headers: []kafka.Header{
				{Key: "content-type", Value: []byte("application/json")},
				{Key: "source-service", Value: []byte(s.source)},
				{Key: "violation-type", Value: []byte(v.Type)},
				{Key: "severity", Value: []byte(v.Severity.String())},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish violations",
			slog.Int("message_count", len(msgs)),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to publish violations: %w", err)
	}

	s.logger.DebugContext(ctx, "violations published", slog.Int("message_count", len(msgs)))
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
