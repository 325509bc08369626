package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Producer enqueues delivery tasks onto the deliveries topic
type Producer struct {
	pub   Publisher
	topic string
}

func NewProducer(pub Publisher, topic string) *Producer {
	return &Producer{pub: pub, topic: topic}
}

// Enqueue publishes one task. It returns once nsqd has acknowledged the
// message, at which point the task is durable.
func (p *Producer) Enqueue(ctx context.Context, t delivery.Task) error {
	if t.PublishedAt == "" {
		t.PublishedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if t.TraceHeaders == nil {
		t.TraceHeaders = tracing.InjectTaskHeaders(ctx)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := p.pub.Publish(p.topic, b); err != nil {
		return fmt.Errorf("nsq publish: %w", err)
	}
	return nil
}
