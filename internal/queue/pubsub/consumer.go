package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/queue"
	"github.com/JakeFAU/linkscope/internal/telemetry"
)

// Consumer receives from the work-queue subscription with one outstanding
// message at a time.
type Consumer struct {
	subscriber *pubsub.Subscriber
	bindingKey string
	logger     *zap.Logger
}

// NewConsumer creates a Consumer for the subscription named queueName.
func NewConsumer(client *pubsub.Client, projectID, queueName, bindingKey string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscriber(subscriptionName(projectID, queueName))
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1
	return &Consumer{subscriber: sub, bindingKey: bindingKey, logger: logger}
}

// Consume blocks until ctx ends.
func (c *Consumer) Consume(ctx context.Context, handle func(context.Context, queue.Delivery)) error {
	err := c.subscriber.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		key := msg.Attributes[queue.AttrRoutingKey]
		if c.bindingKey != "" && !queue.MatchRoutingKey(c.bindingKey, key) {
			c.logger.Debug("dropping message outside binding", zap.String("routing_key", key), zap.String("message_id", msg.ID))
			msg.Ack()
			return
		}
		d := &delivery{msg: msg}
		handle(telemetry.ExtractAttributes(msgCtx, msg.Attributes), d)
		if !d.isSettled() {
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

type delivery struct {
	msg     *pubsub.Message
	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() queue.Message {
	return queue.Message{
		ID:         d.msg.ID,
		RoutingKey: d.msg.Attributes[queue.AttrRoutingKey],
		Body:       d.msg.Data,
		Attributes: queue.CloneAttributes(d.msg.Attributes),
	}
}

// Attempt prefers the server-side counter, which Pub/Sub only populates on
// subscriptions with a dead-letter policy.
func (d *delivery) Attempt() int {
	if d.msg.DeliveryAttempt != nil && *d.msg.DeliveryAttempt > 0 {
		return *d.msg.DeliveryAttempt
	}
	if n, err := strconv.Atoi(d.msg.Attributes[queue.AttrAttempt]); err == nil && n > 0 {
		return n
	}
	return 1
}

func (d *delivery) Ack(context.Context) error {
	return d.settle(d.msg.Ack)
}

// Nack without requeue acknowledges the message: the caller has already
// parked it on the dead-letter topic.
func (d *delivery) Nack(_ context.Context, requeue bool) error {
	if requeue {
		return d.settle(d.msg.Nack)
	}
	return d.settle(d.msg.Ack)
}

func (d *delivery) settle(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return errors.New("delivery already settled")
	}
	d.settled = true
	fn()
	return nil
}

func (d *delivery) isSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}
