package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/plans"
)

type Config struct {
	// RenewalResetsUsage restarts the used counter when the same plan is bought
	// again. Off by default: renewal adds headroom and keeps what was used.
	RenewalResetsUsage bool
}

type Manager struct {
	store   *ledger.Store
	catalog *plans.Catalog
	cfg     Config
	log     *zap.Logger
}

func NewManager(store *ledger.Store, catalog *plans.Catalog, cfg Config, log *zap.Logger) *Manager {
	return &Manager{store: store, catalog: catalog, cfg: cfg, log: log.Named("subscription")}
}

// Decide picks the mutation for buying plan given the user's current active row.
// It is pure so the rule can be checked without a database.
func Decide(current *models.Subscription, plan plans.Plan, now time.Time, resetUsage bool) ledger.Change {
	if current != nil && current.Live(now) && current.Plan == plan.Key {
		base := now
		if current.EndDate.After(base) {
			base = current.EndDate
		}
		return ledger.ExtendChange(base.Add(plan.Duration), plan.Quota, resetUsage)
	}
	return ledger.ReplaceChange(plan.Key, plan.Quota, now, now.Add(plan.Duration))
}

// ExtendOrCreate applies a purchase of planKey for the user in its own transaction.
func (m *Manager) ExtendOrCreate(ctx context.Context, userID uint, planKey string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := m.store.Atomically(ctx, func(tx *ledger.Tx) error {
		var err error
		sub, err = m.ExtendOrCreateTx(tx, userID, planKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ExtendOrCreateTx is ExtendOrCreate inside a caller's transaction, used by the
// reconciler so a payment and its subscription commit together.
func (m *Manager) ExtendOrCreateTx(tx *ledger.Tx, userID uint, planKey string) (*models.Subscription, error) {
	plan, err := m.catalog.Lookup(planKey)
	if err != nil {
		return nil, err
	}
	if _, err := tx.LockUser(userID); err != nil {
		return nil, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}

	current, err := activeOrNil(tx, userID)
	if err != nil {
		return nil, err
	}

	change := Decide(current, plan, tx.Now(), m.cfg.RenewalResetsUsage)
	sub, err := tx.ApplyChange(userID, current, change)
	if err != nil {
		return nil, fmt.Errorf("failed to %s subscription: %w", change.Kind, err)
	}

	m.log.Info("subscription updated",
		zap.Uint("user_id", userID),
		zap.String("plan", plan.Key),
		zap.Stringer("change", change.Kind),
		zap.Uint("subscription_id", sub.ID),
		zap.Time("end_date", sub.EndDate),
		zap.Int("quota_limit", sub.QuotaLimit),
	)
	return sub, nil
}

// Cancel deactivates the subscription. Cancelling an inactive row succeeds.
func (m *Manager) Cancel(ctx context.Context, subscriptionID uint) error {
	return m.store.Atomically(ctx, func(tx *ledger.Tx) error {
		changed, err := m.CancelTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		if changed {
			m.log.Info("subscription cancelled", zap.Uint("subscription_id", subscriptionID))
		}
		return nil
	})
}

func (m *Manager) CancelTx(tx *ledger.Tx, subscriptionID uint) (bool, error) {
	if _, err := tx.LockSubscription(subscriptionID); err != nil {
		return false, err
	}
	return tx.DeactivateSubscription(subscriptionID)
}

// AdminExtend adds days to the user's live subscription, or grants a fresh
// admin plan of that length when there is none.
func (m *Manager) AdminExtend(ctx context.Context, userID uint, days int) (*models.Subscription, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	var sub *models.Subscription
	err := m.store.Atomically(ctx, func(tx *ledger.Tx) error {
		if _, err := tx.LockUser(userID); err != nil {
			return err
		}
		current, err := activeOrNil(tx, userID)
		if err != nil {
			return err
		}

		now := tx.Now()
		var change ledger.Change
		if current != nil && current.Live(now) {
			change = ledger.ExtendChange(current.EndDate.AddDate(0, 0, days), 0, false)
		} else {
			grant := m.catalog.AdminGrant(days)
			change = ledger.ReplaceChange(grant.Key, grant.Quota, now, now.Add(grant.Duration))
		}
		sub, err = tx.ApplyChange(userID, current, change)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("admin extended subscription", zap.Uint("user_id", userID), zap.Int("days", days), zap.Time("end_date", sub.EndDate))
	return sub, nil
}

func (m *Manager) ResetUsage(ctx context.Context, subscriptionID uint) (*models.Subscription, error) {
	var sub *models.Subscription
	err := m.store.Atomically(ctx, func(tx *ledger.Tx) error {
		var err error
		sub, err = tx.ResetUsage(subscriptionID)
		return err
	})
	return sub, err
}

func (m *Manager) ChangeCeiling(ctx context.Context, subscriptionID uint, ceiling int) (*models.Subscription, error) {
	var sub *models.Subscription
	err := m.store.Atomically(ctx, func(tx *ledger.Tx) error {
		var err error
		sub, err = tx.ChangeCeiling(subscriptionID, ceiling)
		return err
	})
	return sub, err
}

// Sweep deactivates lapsed rows. Access checks do not rely on it.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeactivateLapsed(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep lapsed subscriptions: %w", err)
	}
	if n > 0 {
		m.log.Info("deactivated lapsed subscriptions", zap.Int64("count", n))
	}
	return n, nil
}

func activeOrNil(tx *ledger.Tx, userID uint) (*models.Subscription, error) {
	current, err := tx.ActiveSubscription(userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return current, err
}
