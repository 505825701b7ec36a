// Package bus carries validated events between the ingestion router and
// downstream consumers over Kafka topics.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"pitwatch/pkg/models"
)

// Publisher delivers one event to a bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env models.Envelope) error
	Close() error
}

// Consumer yields events from one bus topic in order.
type Consumer interface {
	Next(ctx context.Context) (models.Envelope, error)
	Close() error
}

// KafkaPublisher writes events to Kafka, keyed by event name so each
// event's rows stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher over the given brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

// Publish encodes the envelope as JSON and writes it to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, env models.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.Name, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(env.Name),
		Value:   value,
		Headers: []kafka.Header{{Key: "id", Value: []byte(uuid.NewString())}},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.Name, topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// KafkaConsumer reads one topic from the earliest retained offset, so a
// fresh archiver group replays history before tailing.
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewKafkaConsumer creates a group consumer over one topic.
func NewKafkaConsumer(brokers []string, groupID, topic string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			Topic:       topic,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10 << 20,
		}),
	}, nil
}

// Next blocks for the next event on the topic.
func (c *KafkaConsumer) Next(ctx context.Context) (models.Envelope, error) {
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return models.Envelope{}, err
	}
	var env models.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("decode bus message at offset %d: %w", msg.Offset, err)
	}
	return env, nil
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
