// Package pubsub implements the message channel on Google Cloud Pub/Sub.
//
// The exchange maps to a topic, the work queue to a subscription with an
// attribute filter on the routing key, and the dead-letter queue to a second
// topic that the subscription's dead-letter policy also points at.
package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/linkscope/internal/queue"
	"github.com/JakeFAU/linkscope/internal/telemetry"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// NewPublisher creates a Publisher for the topic named by exchange.
func NewPublisher(client *pubsub.Client, projectID, exchange string) *Publisher {
	return &Publisher{publisher: client.Publisher(topicName(projectID, exchange))}
}

// Publish sends msg with its routing key as an attribute and waits for the
// server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	attrs := queue.CloneAttributes(msg.Attributes)
	attrs[queue.AttrRoutingKey] = msg.RoutingKey
	telemetry.InjectAttributes(ctx, attrs)

	result := p.publisher.Publish(ctx, &pubsub.Message{Data: msg.Body, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending messages and releases publisher goroutines.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// DeadLetterer publishes rejected messages to the dead-letter topic.
type DeadLetterer struct {
	publisher *Publisher
}

// NewDeadLetterer creates a DeadLetterer for the topic named deadLetter.
func NewDeadLetterer(client *pubsub.Client, projectID, deadLetter string) *DeadLetterer {
	return &DeadLetterer{publisher: NewPublisher(client, projectID, deadLetter)}
}

// DeadLetter forwards the raw body with the rejection reason attached.
func (d *DeadLetterer) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	msg.Attributes = queue.CloneAttributes(msg.Attributes)
	msg.Attributes[queue.AttrDeadReason] = reason
	if err := d.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}

// Stop flushes the dead-letter publisher.
func (d *DeadLetterer) Stop() {
	d.publisher.Stop()
}

func topicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

func subscriptionName(projectID, subID string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
}
