// Package dispatcher fans channel deliveries out to registered handlers and
// settles each delivery according to the handler's outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/metrics"
	"github.com/JakeFAU/linkscope/internal/queue"
)

// Handler processes one decoded job-created event.
type Handler func(ctx context.Context, evt crawler.CrawlJobCreated) error

// Config controls Dispatcher behavior.
type Config struct {
	// MaxRedeliveries bounds how often an undecodable or unroutable message
	// is requeued before it is parked on the dead-letter queue.
	MaxRedeliveries int
}

// Dispatcher runs one handler loop per consumer. Consumers compete for the
// same queue, so N consumers give N jobs in flight.
type Dispatcher struct {
	consumers  []queue.Consumer
	deadLetter queue.DeadLetterer
	cfg        Config
	logger     *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Dispatcher.
func New(consumers []queue.Consumer, deadLetter queue.DeadLetterer, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 5
	}
	metrics.Init()
	return &Dispatcher{
		consumers:  consumers,
		deadLetter: deadLetter,
		cfg:        cfg,
		logger:     logger,
		handlers:   make(map[string]Handler),
	}
}

// Register binds handler to routingKey, replacing any previous handler.
func (d *Dispatcher) Register(routingKey string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[routingKey] = handler
}

// Run starts every consumer and blocks until all of them return.
func (d *Dispatcher) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, c := range d.consumers {
		wg.Add(1)
		go func(idx int, consumer queue.Consumer) {
			defer wg.Done()
			d.logger.Info("consumer started", zap.Int("consumer", idx))
			if err := consumer.Consume(ctx, d.handle); err != nil {
				d.logger.Error("consumer stopped", zap.Int("consumer", idx), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("consumer %d: %w", idx, err))
				mu.Unlock()
			}
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) handler(routingKey string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[routingKey]
	return h, ok
}

func (d *Dispatcher) handle(ctx context.Context, del queue.Delivery) {
	msg := del.Message()
	logger := d.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", del.Attempt()),
	)

	h, ok := d.handler(msg.RoutingKey)
	if !ok {
		d.retryOrPark(ctx, del, "no handler registered for routing key "+msg.RoutingKey, logger)
		return
	}
	evt, err := crawler.DecodeCrawlJobCreated(msg.Body)
	if err != nil {
		d.retryOrPark(ctx, del, err.Error(), logger)
		return
	}
	logger = logger.With(zap.String("job_id", evt.JobID.String()))

	err = invoke(ctx, h, evt)
	switch {
	case err == nil:
		d.settle(del, metrics.DeliveryAck, logger, func() error { return del.Ack(ctx) })
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		logger.Info("handler interrupted, requeueing", zap.Error(err))
		d.settle(del, metrics.DeliveryRequeue, logger, func() error {
			return del.Nack(context.WithoutCancel(ctx), true)
		})
	default:
		logger.Error("handler failed", zap.Error(err))
		d.park(ctx, del, err.Error(), logger)
	}
}

// retryOrPark requeues the delivery until it has been attempted
// MaxRedeliveries times, then moves it to the dead-letter queue.
func (d *Dispatcher) retryOrPark(ctx context.Context, del queue.Delivery, reason string, logger *zap.Logger) {
	if del.Attempt() >= d.cfg.MaxRedeliveries {
		logger.Warn("redelivery limit reached", zap.String("reason", reason))
		d.park(ctx, del, reason, logger)
		return
	}
	logger.Warn("requeueing delivery", zap.String("reason", reason))
	d.settle(del, metrics.DeliveryRequeue, logger, func() error { return del.Nack(ctx, true) })
}

// park forwards the raw message to the dead-letter queue and rejects it. If
// the dead-letter write fails the delivery is requeued instead of dropped.
func (d *Dispatcher) park(ctx context.Context, del queue.Delivery, reason string, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := d.deadLetter.DeadLetter(ctx, del.Message(), reason); err != nil {
		logger.Error("dead-letter publish failed, requeueing", zap.Error(err))
		d.settle(del, metrics.DeliveryRequeue, logger, func() error { return del.Nack(ctx, true) })
		return
	}
	d.settle(del, metrics.DeliveryDeadLetter, logger, func() error { return del.Nack(ctx, false) })
}

func (d *Dispatcher) settle(del queue.Delivery, outcome string, logger *zap.Logger, fn func() error) {
	if err := fn(); err != nil {
		logger.Error("settle delivery failed", zap.String("outcome", outcome), zap.Error(err))
		return
	}
	metrics.ObserveDelivery(del.Message().RoutingKey, outcome)
}

// invoke runs h and converts a panic into an error.
func invoke(ctx context.Context, h Handler, evt crawler.CrawlJobCreated) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}
