// Package kafka implements the message channel on Kafka.
//
// The exchange is a topic, the work queue is a consumer group reading that
// topic, and the dead-letter queue is a second topic. Routing keys travel as
// the message key and a header; the consumer skips keys outside its binding.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/queue"
	"github.com/JakeFAU/linkscope/internal/telemetry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a writer for topic on the given brokers.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewReader returns a consumer-group reader. The group is named after the
// work queue so every dispatcher competes for the same partitions.
func NewReader(brokers []string, topo queue.Topology) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        topo.Queue,
		Topic:          topo.Exchange,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// Producer publishes messages to the exchange topic.
type Producer struct {
	writer messageWriter
	now    func() time.Time
}

// NewProducer wraps writer.
func NewProducer(writer messageWriter) *Producer {
	return &Producer{writer: writer, now: time.Now}
}

// Publish writes msg keyed by its routing key.
func (p *Producer) Publish(ctx context.Context, msg queue.Message) error {
	attrs := queue.CloneAttributes(msg.Attributes)
	attrs[queue.AttrRoutingKey] = msg.RoutingKey
	telemetry.InjectAttributes(ctx, attrs)
	km := kafka.Message{
		Key:     []byte(msg.RoutingKey),
		Value:   msg.Body,
		Headers: toHeaders(attrs),
		Time:    p.now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// DeadLetterer writes rejected messages to the dead-letter topic.
type DeadLetterer struct {
	producer *Producer
}

// NewDeadLetterer wraps a writer pointed at the dead-letter topic.
func NewDeadLetterer(writer messageWriter) *DeadLetterer {
	return &DeadLetterer{producer: NewProducer(writer)}
}

// DeadLetter forwards the raw body with the rejection reason attached.
func (d *DeadLetterer) DeadLetter(ctx context.Context, msg queue.Message, reason string) error {
	msg.Attributes = queue.CloneAttributes(msg.Attributes)
	msg.Attributes[queue.AttrDeadReason] = reason
	if err := d.producer.Publish(ctx, msg); err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	return nil
}

// Close shuts down the dead-letter writer.
func (d *DeadLetterer) Close() error {
	return d.producer.Close()
}

// Consumer reads the exchange topic in a consumer group, one message at a
// time. Offsets are committed when a delivery settles.
type Consumer struct {
	reader     messageReader
	requeue    *Producer
	bindingKey string
	logger     *zap.Logger
}

// NewConsumer builds a Consumer. requeue republishes rejected messages that
// should be delivered again, since Kafka has no per-message redelivery.
func NewConsumer(reader messageReader, requeue *Producer, bindingKey string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: reader, requeue: requeue, bindingKey: bindingKey, logger: logger}
}

// Consume blocks until ctx ends or the reader fails.
func (c *Consumer) Consume(ctx context.Context, handle func(context.Context, queue.Delivery)) error {
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		attrs := fromHeaders(km.Headers)
		key := attrs[queue.AttrRoutingKey]
		if key == "" {
			key = string(km.Key)
		}
		if c.bindingKey != "" && !queue.MatchRoutingKey(c.bindingKey, key) {
			c.logger.Debug("skipping message outside binding",
				zap.String("routing_key", key),
				zap.Int("partition", km.Partition),
				zap.Int64("offset", km.Offset),
			)
			if err := c.reader.CommitMessages(ctx, km); err != nil {
				return fmt.Errorf("commit skipped message: %w", err)
			}
			continue
		}
		d := &delivery{consumer: c, raw: km, key: key, attrs: attrs}
		handle(telemetry.ExtractAttributes(ctx, attrs), d)
		if !d.isSettled() {
			// An unsettled delivery is redelivered after a restart because its
			// offset is never committed; do not advance past it.
			return fmt.Errorf("delivery at offset %d left unsettled", km.Offset)
		}
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

type delivery struct {
	consumer *Consumer
	raw      kafka.Message
	key      string
	attrs    map[string]string

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() queue.Message {
	return queue.Message{
		ID:         fmt.Sprintf("%s/%d/%d", d.raw.Topic, d.raw.Partition, d.raw.Offset),
		RoutingKey: d.key,
		Body:       d.raw.Value,
		Attributes: queue.CloneAttributes(d.attrs),
	}
}

func (d *delivery) Attempt() int {
	if n, err := strconv.Atoi(d.attrs[queue.AttrAttempt]); err == nil && n > 0 {
		return n
	}
	return 1
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, false)
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	return d.settle(ctx, requeue)
}

// settle commits the offset. A requeue first republishes the message with
// its attempt counter bumped so the next consumer sees the retry.
func (d *delivery) settle(ctx context.Context, requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return fmt.Errorf("delivery already settled")
	}
	if requeue {
		msg := d.Message()
		msg.Attributes[queue.AttrAttempt] = strconv.Itoa(d.Attempt() + 1)
		if err := d.consumer.requeue.Publish(ctx, msg); err != nil {
			return fmt.Errorf("requeue message: %w", err)
		}
	}
	if err := d.consumer.reader.CommitMessages(ctx, d.raw); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	d.settled = true
	return nil
}

func (d *delivery) isSettled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func toHeaders(attrs map[string]string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(attrs))
	for k, v := range attrs {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func fromHeaders(headers []kafka.Header) map[string]string {
	attrs := make(map[string]string, len(headers))
	for _, h := range headers {
		attrs[h.Key] = string(h.Value)
	}
	return attrs
}
