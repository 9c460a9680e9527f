package rebuild

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelsearch/kestrel/internal/indexer"
	"github.com/kestrelsearch/kestrel/pkg/kafka"
)

// kafkaDocument is the wire shape producers publish: one JSON object per
// message with the extracted text fields.
type kafkaDocument struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// KafkaSource adapts a Kafka topic of extracted documents into a
// DocumentSource. The producer side owns text extraction; messages here
// are already host-filtered for eligibility.
type KafkaSource struct {
	consumer    *kafka.Consumer
	pageTimeout time.Duration
	logger      *slog.Logger
}

// NewKafkaSource wraps an existing consumer. pageTimeout bounds each
// page fetch so a drained topic ends the stream instead of blocking the
// rebuild forever; zero disables the bound.
func NewKafkaSource(consumer *kafka.Consumer, pageTimeout time.Duration) *KafkaSource {
	return &KafkaSource{
		consumer:    consumer,
		pageTimeout: pageTimeout,
		logger:      slog.Default().With("component", "kafka-source"),
	}
}

// Next fetches and decodes one page. Messages that fail to decode are
// logged and skipped rather than failing the batch.
func (s *KafkaSource) Next(ctx context.Context, limit int) ([]indexer.Document, error) {
	fetchCtx := ctx
	if s.pageTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.pageTimeout)
		defer cancel()
	}
	values, err := s.consumer.FetchPage(fetchCtx, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]indexer.Document, 0, len(values))
	for _, value := range values {
		msg, err := kafka.DecodeJSON[kafkaDocument](value)
		if err != nil {
			s.logger.Error("skipping undecodable document message", "error", err)
			continue
		}
		if msg.ID == "" {
			s.logger.Warn("skipping document message without id")
			continue
		}
		docs = append(docs, indexer.Document{ID: msg.ID, Title: msg.Title, Body: msg.Body})
	}
	return docs, nil
}

// Close releases the underlying consumer.
func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}
