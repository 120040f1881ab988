package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"linkquota-bot/internal/payment"
)

const (
	popTimeout = time.Second
	maxBackoff = 30 * time.Second
)

type EventQueue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, payment.Event, error)
	Ack(ctx context.Context, raw string) error
	Requeue(ctx context.Context, raw string) error
	Recover(ctx context.Context) (int, error)
}

// Consumer drains the webhook queue into the reconciler.
type Consumer struct {
	queue    EventQueue
	svc      Service
	notifier Notifier
	log      *zap.Logger
	backoff  time.Duration
}

func NewConsumer(queue EventQueue, svc Service, notifier Notifier, log *zap.Logger) *Consumer {
	return &Consumer{
		queue:    queue,
		svc:      svc,
		notifier: notifier,
		log:      log.Named("worker.consumer"),
		backoff:  time.Second,
	}
}

// Run recovers in-flight events left by a previous process, then consumes
// until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	if n, err := c.queue.Recover(ctx); err != nil {
		c.log.Error("failed to recover in-flight events", zap.Error(err))
	} else if n > 0 {
		c.log.Info("recovered in-flight events", zap.Int("count", n))
	}

	delay := c.backoff
	for ctx.Err() == nil {
		_, err := c.ProcessOne(ctx)
		if err == nil || errors.Is(err, payment.ErrQueueEmpty) {
			delay = c.backoff
			continue
		}
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("queue consumer backing off", zap.Duration("delay", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, maxBackoff)
	}
}

// ProcessOne handles a single event. It reports whether an event was taken
// off the queue for good.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	raw, ev, err := c.queue.Pop(ctx, popTimeout)
	if err != nil {
		if raw != "" {
			// undecodable payloads would never succeed
			c.log.Error("dropping malformed queued event", zap.String("raw", raw), zap.Error(err))
			return true, c.queue.Ack(ctx, raw)
		}
		return false, err
	}

	res, err := c.svc.ApplyPayment(ctx, ev)
	if err != nil {
		if rqErr := c.queue.Requeue(context.WithoutCancel(ctx), raw); rqErr != nil {
			c.log.Error("failed to requeue event", zap.String("gateway_id", ev.GatewayID), zap.Error(rqErr))
		}
		return false, err
	}
	if err := c.queue.Ack(ctx, raw); err != nil {
		return true, err
	}

	c.log.Info("payment event processed",
		zap.String("gateway_id", ev.GatewayID),
		zap.String("status", string(ev.Status)),
		zap.String("outcome", string(res.Outcome)),
	)
	notifyActivated(ctx, c.svc, c.notifier, res, c.log)
	return true, nil
}
