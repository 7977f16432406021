// Package memory provides an in-process topic exchange for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/linkscope/internal/queue"
)

// ErrClosed is returned once the broker shuts down.
var ErrClosed = errors.New("broker closed")

// Broker routes messages from named exchanges to bound queues.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*boundQueue
	bindings []binding
	closed   bool
	done     chan struct{}
}

type binding struct {
	exchange string
	pattern  string
	queue    string
}

type boundQueue struct {
	items []envelope
	ready chan struct{}
}

type envelope struct {
	msg     queue.Message
	attempt int
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*boundQueue),
		done:   make(chan struct{}),
	}
}

// Declare creates the work queue and the dead-letter queue and binds the
// work queue to the exchange.
func (b *Broker) Declare(topo queue.Topology) {
	b.Bind(topo.Exchange, topo.BindingKey, topo.Queue)
	b.ensureQueue(topo.DeadLetter)
}

// Bind routes messages published on exchange whose key matches pattern
// into queueName.
func (b *Broker) Bind(exchange, pattern, queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureQueueLocked(queueName)
	for _, existing := range b.bindings {
		if existing == (binding{exchange, pattern, queueName}) {
			return
		}
	}
	b.bindings = append(b.bindings, binding{exchange: exchange, pattern: pattern, queue: queueName})
}

// Publisher returns a publisher bound to exchange.
func (b *Broker) Publisher(exchange string) *Publisher {
	return &Publisher{broker: b, exchange: exchange}
}

// Consumer returns a consumer for queueName.
func (b *Broker) Consumer(queueName string) *Consumer {
	b.ensureQueue(queueName)
	return &Consumer{broker: b, queue: queueName}
}

// DeadLetterer returns a dead-letter sink writing into queueName.
func (b *Broker) DeadLetterer(queueName string) *DeadLetterer {
	b.ensureQueue(queueName)
	return &DeadLetterer{broker: b, queue: queueName}
}

// Messages snapshots the messages waiting in queueName.
func (b *Broker) Messages(queueName string) []queue.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]queue.Message, len(q.items))
	for i, env := range q.items {
		out[i] = env.msg
	}
	return out
}

// Close wakes every blocked consumer and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Broker) ensureQueue(name string) *boundQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureQueueLocked(name)
}

func (b *Broker) ensureQueueLocked(name string) *boundQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &boundQueue{ready: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) route(exchange string, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	routed := 0
	for _, bind := range b.bindings {
		if bind.exchange != exchange || !queue.MatchRoutingKey(bind.pattern, msg.RoutingKey) {
			continue
		}
		b.pushLocked(bind.queue, envelope{msg: msg, attempt: 1}, false)
		routed++
	}
	if routed == 0 {
		return fmt.Errorf("no queue bound to %s for routing key %q", exchange, msg.RoutingKey)
	}
	return nil
}

func (b *Broker) pushLocked(queueName string, env envelope, front bool) {
	q := b.ensureQueueLocked(queueName)
	if front {
		q.items = append([]envelope{env}, q.items...)
	} else {
		q.items = append(q.items, env)
	}
	signal(q.ready)
}

func (b *Broker) pop(ctx context.Context, queueName string) (envelope, error) {
	q := b.ensureQueue(queueName)
	for {
		if err := ctx.Err(); err != nil {
			return envelope{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return envelope{}, ErrClosed
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				signal(q.ready)
			}
			b.mu.Unlock()
			return env, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-b.done:
			return envelope{}, ErrClosed
		case <-q.ready:
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Publisher publishes onto one exchange.
type Publisher struct {
	broker   *Broker
	exchange string
}

// Publish routes msg to every matching queue.
func (p *Publisher) Publish(ctx context.Context, msg queue.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish canceled: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attributes = queue.CloneAttributes(msg.Attributes)
	msg.Attributes[queue.AttrRoutingKey] = msg.RoutingKey
	return p.broker.route(p.exchange, msg)
}

// Consumer competes with other consumers on the same queue.
type Consumer struct {
	broker *Broker
	queue  string
}

// Consume hands deliveries to handle one at a time until ctx ends.
func (c *Consumer) Consume(ctx context.Context, handle func(context.Context, queue.Delivery)) error {
	for {
		env, err := c.broker.pop(ctx, c.queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		d := &delivery{broker: c.broker, queue: c.queue, env: env}
		handle(ctx, d)
		if !d.isSettled() {
			// Unsettled deliveries return to the queue, as an AMQP broker
			// does when a channel closes with unacked messages.
			_ = d.Nack(ctx, true)
		}
	}
}

type delivery struct {
	broker  *Broker
	queue   string
	env     envelope
	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() queue.Message {
	msg := d.env.msg
	msg.Attributes = queue.CloneAttributes(msg.Attributes)
	msg.Attributes[queue.AttrAttempt] = strconv.Itoa(d.env.attempt)
	return msg
}

func (d *delivery) Attempt() int { return d.env.attempt }

func (d *delivery) Ack(context.Context) error {
	return d.settle(func() {})
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	return d.settle(func() {
		if !requeue {
			return
		}
		d.broker.mu.Lock()
		defer d.broker.mu.Unlock()
		if d.broker.closed {
			return
		}
		d.broker.pushLocked(d.queue, envelope{msg: d.env.msg, attempt: d.env.attempt + 1}, true)
	})
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

// DeadLetterer appends rejected messages to a dead-letter queue.
type DeadLetterer struct {
	broker *Broker
	queue  string
}

// DeadLetter stores msg with the rejection reason attached.
func (d *DeadLetterer) DeadLetter(_ context.Context, msg queue.Message, reason string) error {
	msg.Attributes = queue.CloneAttributes(msg.Attributes)
	msg.Attributes[queue.AttrDeadReason] = reason
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if d.broker.closed {
		return ErrClosed
	}
	d.broker.pushLocked(d.queue, envelope{msg: msg, attempt: 1}, false)
	return nil
}
