// Package queue defines the durable, topic-routed message channel used to
// hand crawl work from job submission to the dispatchers.
package queue

import (
	"context"
	"strings"
)

// Attribute keys carried alongside every message body.
const (
	AttrRoutingKey    = "routing_key"
	AttrAttempt       = "x-attempt"
	AttrDeadReason    = "x-dead-letter-reason"
	AttrCorrelationID = "correlation_id"
)

// Topology names the exchange, work queue, and dead-letter queue.
type Topology struct {
	Exchange   string
	Queue      string
	DeadLetter string
	BindingKey string
}

// DefaultTopology mirrors the names used by every deployment.
func DefaultTopology() Topology {
	return Topology{
		Exchange:   "crawl.events",
		Queue:      "crawl.worker.jobs",
		DeadLetter: "crawl.dlq",
		BindingKey: "crawljobcreated",
	}
}

// Message is a routed payload.
type Message struct {
	ID         string
	RoutingKey string
	Body       []byte
	Attributes map[string]string
}

// Delivery is one in-flight message handed to a consumer.
type Delivery interface {
	Message() Message
	// Attempt is 1 on first delivery and grows with every requeue.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack rejects the message; requeue asks the broker to deliver it again.
	Nack(ctx context.Context, requeue bool) error
}

// Publisher routes messages through the exchange.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Consumer pulls deliveries from the work queue one at a time. Consume
// blocks until ctx ends and only asks for the next delivery after handle
// returns.
type Consumer interface {
	Consume(ctx context.Context, handle func(context.Context, Delivery)) error
}

// DeadLetterer parks unprocessable messages for manual inspection.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg Message, reason string) error
}

// MatchRoutingKey applies topic-exchange matching: words are separated by
// dots, "*" matches exactly one word and "#" matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// CloneAttributes copies attrs so callers can add keys safely.
func CloneAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
