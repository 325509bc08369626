package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// Handler processes a decoded delivery task. FailTask receives tasks that
// name their event but cannot be sent.
type Handler interface {
	HandleTask(ctx context.Context, t delivery.Task)
	FailTask(ctx context.Context, t delivery.Task, cause error)
}

// Consumer reads tasks from a topic/channel pair. Workers sharing a channel
// compete for messages. Every message is finished after one handler call.
type Consumer struct {
	ctx      context.Context
	consumer *nsq.Consumer
	handler  Handler
	logger   *logging.Logger
}

// NewConsumer creates a consumer with concurrency handlers and as many
// messages in flight.
func NewConsumer(ctx context.Context, topic, channel string, concurrency int, h Handler, logger *logging.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = concurrency
	nc, err := nsq.NewConsumer(topic, channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	c := &Consumer{ctx: ctx, consumer: nc, handler: h, logger: logger}
	nc.AddConcurrentHandlers(c, concurrency)
	return c, nil
}

// HandleMessage implements nsq.Handler
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer m.Finish()

	t, err := delivery.DecodeTask(m.Body)
	if errors.Is(err, delivery.ErrIncompleteTask) && t.EventID != "" {
		c.handler.FailTask(c.ctx, t, err)
		return nil
	}
	if err != nil {
		metrics.RecordDelivery("malformed", 0)
		c.logger.Plain().WithError(err).
			WithField("message_id", string(m.ID[:])).
			Error("bad task payload")
		return nil
	}
	c.handler.HandleTask(c.ctx, t)
	return nil
}

// Connect attaches to nsqd directly, so the channel exists before the first
// publish, and to lookupd when an address is configured.
func (c *Consumer) Connect(nsqdTCPAddr, lookupHTTPAddr string) error {
	if err := c.consumer.ConnectToNSQD(nsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if lookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(lookupHTTPAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	return nil
}

// Stop stops reading and waits for in-flight handlers to return
func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}
