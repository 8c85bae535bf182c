package notify

import (
	"context"

	"github.com/medtrack-ai/modelops/pkg/common/kafka"
)

const eventSource = "modelops-lifecycle"

// KafkaTransport publishes lifecycle events on the configured topic.
type KafkaTransport struct {
	producer *kafka.Producer
}

func NewKafkaTransport(topic string) *KafkaTransport {
	return &KafkaTransport{producer: kafka.NewProducer(topic)}
}

func (t *KafkaTransport) Publish(ctx context.Context, eventType string, data map[string]interface{}) error {
	return t.producer.PublishEvent(ctx, eventType, eventSource, data)
}

func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}
