// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises run events as JSON, while the
// consumer hands trigger requests to a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/config"
	"github.com/segmentio/kafka-go"
)

const maxFetchBackoff = 30 * time.Second

// MessageHandler is a callback invoked for each Kafka message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Publisher is satisfied by *Producer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// DeadLetterType is the event type of dead-lettered messages.
const DeadLetterType = "dead_letter"

// DeadLetter is published for every message whose handler failed.
type DeadLetter struct {
	Topic     string          `json:"topic"`
	Partition int             `json:"partition"`
	Offset    int64           `json:"offset"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler. Every fetched message is committed, handled or not.
type Consumer struct {
	reader     *kafka.Reader
	logger     *slog.Logger
	handler    MessageHandler
	deadLetter Publisher
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetter forwards failed messages to pub before they are committed.
func WithDeadLetter(pub Publisher) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = pub }
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    1e6,
		StartOffset: kafka.LastOffset,
		MaxWait:     time.Second,
	})
	c := &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler: handler,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start fetches and handles messages until ctx is cancelled. Fetch errors
// back off exponentially up to maxFetchBackoff.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "dead_letter", c.deadLetter != nil)
	backoff := time.Duration(0)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return c.reader.Close()
			}
			backoff = nextBackoff(backoff)
			c.logger.Error("failed to fetch message", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return c.reader.Close()
			}
			continue
		}
		backoff = 0

		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"type", EventType(msg),
		)
		if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
			c.logger.Error("failed to process message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			c.sendDeadLetter(ctx, msg, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

func (c *Consumer) sendDeadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if c.deadLetter == nil {
		return
	}
	dl := deadLetterFor(msg, cause, time.Now())
	if err := c.deadLetter.Publish(ctx, Event{Key: string(msg.Key), Type: DeadLetterType, Value: dl}); err != nil {
		c.logger.Error("failed to dead-letter message", "offset", msg.Offset, "error", err)
	}
}

func deadLetterFor(msg kafka.Message, cause error, now time.Time) DeadLetter {
	payload := json.RawMessage(msg.Value)
	if !json.Valid(msg.Value) {
		quoted, _ := json.Marshal(string(msg.Value))
		payload = quoted
	}
	return DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Error:     cause.Error(),
		FailedAt:  now.UTC(),
		Payload:   payload,
	}
}

func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 500 * time.Millisecond
	}
	if next := prev * 2; next < maxFetchBackoff {
		return next
	}
	return maxFetchBackoff
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
