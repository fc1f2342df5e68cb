package events

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nkiryanov/schoolgate/internal/logger"
)

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

type Handler func(ctx context.Context, key, value []byte) error

// Subset of kafka.Reader the consumer relies on
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string

	// Start from the oldest retained message when the group has no offset yet
	FromBeginning bool
}

// At least once consumer of one topic
// Message is committed only after the handler succeeded
type Consumer struct {
	reader reader
	topic  string
	logger logger.Logger
}

func NewConsumer(cfg ConsumerConfig, l logger.Logger) *Consumer {
	start := kafka.LastOffset
	if cfg.FromBeginning {
		start = kafka.FirstOffset
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               cfg.Brokers,
		GroupID:               cfg.GroupID,
		Topic:                 cfg.Topic,
		StartOffset:           start,
		WatchPartitionChanges: true,

		MinBytes:          1,
		MaxBytes:          10e6,
		SessionTimeout:    10 * time.Second,
		RebalanceTimeout:  15 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	})

	return newConsumer(r, cfg.Topic, l)
}

func newConsumer(r reader, topic string, l logger.Logger) *Consumer {
	return &Consumer{
		reader: r,
		topic:  topic,
		logger: l.With("component", "events.consumer", "topic", topic),
	}
}

func (c *Consumer) Topic() string {
	return c.topic
}

// Consume messages until ctx is done
func (c *Consumer) Consume(ctx context.Context, h Handler) error {
	c.logger.Info("Consumer started")
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped")
			return ctx.Err()
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Consumer stopped")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("Fetch EOF, retry", "backoff", backoff)
			} else {
				c.logger.Warn("Fetch failed, retry", "error", err, "backoff", backoff)
			}

			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		if err := c.handle(ctx, h, msg); err != nil {
			c.logger.Info("Consumer stopped")
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Commit failed, will retry later", "error", err)
		}
	}
}

// Run handler on the same message until it succeeds
// Next message is not fetched before, so a later commit never covers an unhandled offset
func (c *Consumer) handle(ctx context.Context, h Handler, msg kafka.Message) error {
	backoff := minBackoff

	for {
		err := h(ctx, msg.Key, msg.Value)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("Handler failed, retry", "partition", msg.Partition, "offset", msg.Offset, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
