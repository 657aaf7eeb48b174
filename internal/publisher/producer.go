package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes cycle events to a single topic.
type KafkaProducer struct {
	writer MessageWriter
	topic  string
}

// NewKafkaProducer returns nil, nil when no brokers are configured.
func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	if cfg.Kafka.Topic == "" {
		return nil, errors.New("kafka topic not configured")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Kafka.Brokers...),
		Topic:                  cfg.Kafka.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka producer initialized")
	return NewWithWriter(w, cfg.Kafka.Topic), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(w MessageWriter, topic string) *KafkaProducer {
	return &KafkaProducer{writer: w, topic: topic}
}

// Publish writes one event keyed by its correlation id.
func (p *KafkaProducer) Publish(ctx context.Context, ev CycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal cycle event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.CorrelationID),
		Value: data,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close shuts down the Kafka writer gracefully
func (p *KafkaProducer) Close() error {
	log.Info().Msg("closing kafka producer")
	return p.writer.Close()
}
