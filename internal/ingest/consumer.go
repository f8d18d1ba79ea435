// Package ingest feeds seller events from Kafka into the monitor runtime.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/metrics"
)

// Router delivers an event to the monitors subscribed to its topic.
type Router interface {
	Route(ev event.Event) int
}

// Config configures the consumer group.
type Config struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	MinBytes       int
	MaxBytes       int
	MaxWait        time.Duration
	CommitInterval time.Duration
	StartOffset    int64 // kafka.FirstOffset or kafka.LastOffset
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads events and routes them. Messages that do not decode are
// committed and counted so they cannot wedge the partition.
type Consumer struct {
	reader messageReader
	router Router
	logger *slog.Logger
	now    func() time.Time
}

// NewConsumer creates a Consumer joining conf.GroupID on conf.Topics.
func NewConsumer(conf Config, router Router, logger *slog.Logger) (*Consumer, error) {
	if len(conf.Brokers) == 0 {
		return nil, errors.New("ingest: at least one broker is required")
	}
	if conf.GroupID == "" {
		return nil, errors.New("ingest: group id is required")
	}
	if len(conf.Topics) == 0 {
		return nil, errors.New("ingest: no topics to consume")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if conf.MinBytes <= 0 {
		conf.MinBytes = 1
	}
	if conf.MaxBytes <= 0 {
		conf.MaxBytes = 10e6
	}
	if conf.MaxWait <= 0 {
		conf.MaxWait = 500 * time.Millisecond
	}
	if conf.StartOffset == 0 {
		conf.StartOffset = kafka.LastOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        conf.Brokers,
		GroupID:        conf.GroupID,
		GroupTopics:    conf.Topics,
		MinBytes:       conf.MinBytes,
		MaxBytes:       conf.MaxBytes,
		MaxWait:        conf.MaxWait,
		CommitInterval: conf.CommitInterval,
		StartOffset:    conf.StartOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})
	logger.Info("kafka consumer initialized", "brokers", conf.Brokers, "group", conf.GroupID, "topics", conf.Topics)
	return newConsumer(reader, router, logger), nil
}

func newConsumer(r messageReader, router Router, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, router: router, logger: logger, now: time.Now}
}

// Run consumes until ctx is cancelled. Fetch errors back off for a second
// and retry.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to fetch message", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		c.Handle(msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offset", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// Handle decodes one message and routes it. The Kafka topic is used when
// the event names none. It reports whether the event was routed.
func (c *Consumer) Handle(msg kafka.Message) bool {
	ev, err := event.Decode(msg.Value, msg.Topic, c.now())
	if err != nil {
		metrics.EventsRejected.WithLabelValues("kafka").Inc()
		c.logger.Warn("rejected event", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return false
	}
	return c.router.Route(ev) > 0
}

// Close leaves the consumer group.
func (c *Consumer) Close() error { return c.reader.Close() }
