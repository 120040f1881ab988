package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/models"
)

// Decision is the outcome of one quota check. A denial is a value, not an error.
type Decision struct {
	Allowed        bool
	Remaining      int
	Total          int
	SubscriptionID uint
}

type Store interface {
	GetActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error)
	IncrementQuotaUsed(ctx context.Context, subscriptionID uint, expectedCeiling int, payload string) (*models.Subscription, error)
	Now() time.Time
}

type Guard struct {
	store   Store
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewGuard(store Store, m *metrics.Metrics, log *zap.Logger) *Guard {
	return &Guard{store: store, metrics: m, log: log.Named("quota")}
}

// Check reports the user's current standing without consuming anything.
func (g *Guard) Check(ctx context.Context, userID uint) (Decision, error) {
	sub, err := g.live(ctx, userID)
	if err != nil || sub == nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:        sub.QuotaUsed < sub.QuotaLimit,
		Remaining:      sub.Remaining(),
		Total:          sub.QuotaLimit,
		SubscriptionID: sub.ID,
	}, nil
}

// CheckAndConsume spends one unit of the user's quota if any is left. Storage
// faults deny access and are returned alongside the denial. A lost race is a
// plain denial and is never retried.
func (g *Guard) CheckAndConsume(ctx context.Context, userID uint, payload string) (Decision, error) {
	sub, err := g.live(ctx, userID)
	if err != nil {
		g.metrics.QuotaDecision("error")
		g.log.Error("failed to load subscription", zap.Uint("user_id", userID), zap.Error(err))
		return Decision{}, err
	}
	if sub == nil {
		g.metrics.QuotaDecision("denied")
		return Decision{}, nil
	}

	current := Decision{
		Remaining:      sub.Remaining(),
		Total:          sub.QuotaLimit,
		SubscriptionID: sub.ID,
	}
	if sub.QuotaUsed >= sub.QuotaLimit {
		g.metrics.QuotaDecision("denied")
		return current, nil
	}

	updated, err := g.store.IncrementQuotaUsed(ctx, sub.ID, sub.QuotaLimit, payload)
	switch {
	case errors.Is(err, ledger.ErrQuotaExceeded):
		g.metrics.QuotaDecision("denied")
		g.log.Debug("lost quota race", zap.Uint("subscription_id", sub.ID))
		current.Remaining = 0
		return current, nil
	case err != nil:
		g.metrics.QuotaDecision("error")
		g.log.Error("failed to consume quota", zap.Uint("subscription_id", sub.ID), zap.Error(err))
		return Decision{Total: sub.QuotaLimit, SubscriptionID: sub.ID}, fmt.Errorf("failed to consume quota: %w", err)
	}

	g.metrics.QuotaDecision("allowed")
	return Decision{
		Allowed:        true,
		Remaining:      updated.Remaining(),
		Total:          updated.QuotaLimit,
		SubscriptionID: updated.ID,
	}, nil
}

// live returns the active subscription if it has not passed its end date, or nil.
// A lapsed row is left untouched.
func (g *Guard) live(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, err := g.store.GetActiveSubscription(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	if !sub.Live(g.store.Now()) {
		return nil, nil
	}
	return sub, nil
}
