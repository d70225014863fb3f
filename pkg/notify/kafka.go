package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka notification sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Async hands messages to the writer's background batcher instead of
	// waiting for broker acknowledgement.
	Async bool
}

// KafkaSink publishes envelopes as JSON messages keyed by envelope type.
type KafkaSink struct {
	writer kafkaWriter
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        cfg.Async,
	}
	return &KafkaSink{writer: w}, nil
}

// Deliver implements Sink.
func (k *KafkaSink) Deliver(ctx context.Context, env Envelope) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("kafka sink not initialized")
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka sink: marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Type),
		Value: value,
		Headers: []kafka.Header{
			{Key: "seq", Value: []byte(strconv.FormatUint(env.Seq, 10))},
			{Key: "id", Value: []byte(env.ID)},
		},
	})
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
