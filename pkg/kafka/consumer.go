// Package kafka provides a Kafka consumer backed by segmentio/kafka-go,
// used to stream externally extracted documents into rebuild passes.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/kestrelsearch/kestrel/pkg/config"
)

// Consumer reads messages from a Kafka topic in bounded pages.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a Consumer for the configured topic.
func NewConsumer(cfg config.KafkaConfig) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader: r,
		logger: slog.Default().With("component", "kafka-consumer", "topic", cfg.Topic),
	}
}

// FetchPage reads up to limit messages, stopping early when ctx expires.
// Messages are committed after the page is returned, so a crashed consumer
// re-reads at most one page.
func (c *Consumer) FetchPage(ctx context.Context, limit int) ([][]byte, error) {
	values := make([][]byte, 0, limit)
	msgs := make([]kafka.Message, 0, limit)
	for len(values) < limit {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return values, fmt.Errorf("fetching kafka message: %w", err)
		}
		values = append(values, msg.Value)
		msgs = append(msgs, msg)
	}
	if len(msgs) > 0 {
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msgs...); err != nil {
			c.logger.Error("failed to commit page", "size", len(msgs), "error", err)
		}
	}
	return values, nil
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
