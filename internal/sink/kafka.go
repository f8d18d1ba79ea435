// Package sink holds the production collaborators of the detection
// pipeline: a Kafka event bus, a Redis messenger and a Redis knowledge base,
// plus an in-process messenger for single-node deployments.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
)

// KafkaConfig configures the detection event bus.
type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int // -1 all, 0 none, 1 leader
	MaxAttempts  int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus publishes pipeline events to Kafka. The topic is chosen per
// message, so one writer serves every monitor.
type KafkaBus struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaBus creates a KafkaBus. No connection is made until the first
// Emit.
func NewKafkaBus(conf KafkaConfig, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = slog.Default()
	}
	if conf.BatchTimeout <= 0 {
		conf.BatchTimeout = 50 * time.Millisecond
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = 5 * time.Second
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 3
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(conf.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: conf.BatchTimeout,
		WriteTimeout: conf.WriteTimeout,
		MaxAttempts:  conf.MaxAttempts,
		RequiredAcks: kafka.RequiredAcks(conf.RequiredAcks),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}
	logger.Info("kafka event bus initialized", "brokers", conf.Brokers)
	return newKafkaBus(w, logger)
}

func newKafkaBus(w messageWriter, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBus{writer: w, logger: logger, now: time.Now}
}

// Emit writes payload as JSON to topic, keyed by seller so a seller's
// detections stay on one partition.
func (b *KafkaBus) Emit(ctx context.Context, topic string, payload any) error {
	msg, err := encodeMessage(topic, payload, b.now())
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: emit to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending messages.
func (b *KafkaBus) Close() error { return b.writer.Close() }

func encodeMessage(topic string, payload any, now time.Time) (kafka.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: value, Time: now}
	switch p := payload.(type) {
	case detection.Detection:
		msg.Key = []byte(p.SellerID)
		msg.Headers = []kafka.Header{
			{Key: "type", Value: []byte("detection")},
			{Key: "severity", Value: []byte(p.Severity)},
			{Key: "monitor", Value: []byte(p.MonitorID)},
		}
	case event.Event:
		msg.Key = []byte(p.SellerID)
		msg.Headers = []kafka.Header{{Key: "type", Value: []byte("event")}}
	}
	return msg, nil
}
