package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkquota-bot/internal/clock"
)

const notifiedTTL = 48 * time.Hour

// Checker runs the periodic subscription maintenance: 24h expiry notices and
// the lapsed-subscription sweep.
type Checker struct {
	svc      Service
	redis    *redis.Client
	notifier Notifier
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger
}

func NewChecker(svc Service, rdb *redis.Client, notifier Notifier, clk clock.Clock, interval time.Duration, log *zap.Logger) *Checker {
	return &Checker{
		svc:      svc,
		redis:    rdb,
		notifier: notifier,
		clock:    clk,
		interval: interval,
		log:      log.Named("worker.checker"),
	}
}

func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.log.Info("subscription checker started", zap.Duration("interval", c.interval))

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

func (c *Checker) RunOnce(ctx context.Context) {
	sent := c.notifyExpiring(ctx)

	swept, err := c.svc.Sweep(ctx)
	if err != nil {
		c.log.Warn("lapsed subscription sweep failed", zap.Error(err))
	}
	c.log.Info("subscription check cycle done", zap.Int("notified", sent), zap.Int64("deactivated", swept))
}

func notifiedKey(subscriptionID uint) string {
	return fmt.Sprintf("notified_24h_%d", subscriptionID)
}

// notifyExpiring messages owners of subscriptions ending in [23h, 25h]. The
// Redis key is claimed before sending and released if the send fails.
func (c *Checker) notifyExpiring(ctx context.Context) int {
	now := c.clock.Now()
	subs, err := c.svc.ExpiringBetween(ctx, now.Add(23*time.Hour), now.Add(25*time.Hour))
	if err != nil {
		c.log.Error("failed to query expiring subscriptions", zap.Error(err))
		return 0
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		key := notifiedKey(sub.ID)
		claimed, err := c.redis.SetNX(ctx, key, "true", notifiedTTL).Result()
		if err != nil {
			c.log.Warn("failed to claim notice key", zap.String("key", key), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}

		if err := c.notifier.NotifyExpiring(ctx, sub.User.TelegramID, sub); err != nil {
			c.log.Warn("failed to send 24h notice", zap.Int64("telegram_id", sub.User.TelegramID), zap.Error(err))
			c.redis.Del(ctx, key)
			continue
		}
		sent++
		c.log.Info("sent 24h notice", zap.Int64("telegram_id", sub.User.TelegramID), zap.Uint("subscription_id", sub.ID))
	}
	return sent
}
