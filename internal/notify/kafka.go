package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/skyfence/skyfence/internal/config"
)

// KafkaSink publishes events to a Kafka topic, keyed by agent id so that
// one agent's events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a Kafka sink from config. The writer is async;
// Publish errors from the broker surface through the writer's internal
// completion handling, not the Send call.
func NewKafkaSink(cfg config.KafkaNotifyConfig) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

// Send publishes an event to the topic.
func (k *KafkaSink) Send(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.AgentID),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
