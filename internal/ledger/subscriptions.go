package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"linkquota-bot/internal/models"
)

// GetActiveSubscription returns the row flagged active. It may already be past
// its end date; use Live to decide access.
func (s *Store) GetActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var sub models.Subscription
	if err := db.Where("user_id = ? AND active = ?", userID, true).First(&sub).Error; err != nil {
		return nil, classify(err)
	}
	return &sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var sub models.Subscription
	if err := db.First(&sub, id).Error; err != nil {
		return nil, classify(err)
	}
	return &sub, nil
}

// CreateSubscription deactivates any active row for the user and inserts a new
// one, all under the user lock.
func (s *Store) CreateSubscription(ctx context.Context, userID uint, plan string, ceiling int, endDate time.Time) (*models.Subscription, error) {
	var created *models.Subscription
	err := s.Atomically(ctx, func(tx *Tx) error {
		if _, err := tx.LockUser(userID); err != nil {
			return err
		}
		sub, err := tx.ApplyChange(userID, nil, ReplaceChange(plan, ceiling, tx.Now(), endDate))
		if err != nil {
			return err
		}
		created = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// IncrementQuotaUsed consumes one unit with a single conditional update and
// appends the usage record in the same transaction. It never moves used past
// the ceiling; a lost race reports ErrQuotaExceeded.
func (s *Store) IncrementQuotaUsed(ctx context.Context, subscriptionID uint, expectedCeiling int, payload string) (*models.Subscription, error) {
	var updated *models.Subscription
	err := s.Atomically(ctx, func(tx *Tx) error {
		res := tx.db.Model(&models.Subscription{}).
			Where("id = ? AND active = ? AND end_date > ? AND quota_used < quota_limit AND quota_used < ?",
				subscriptionID, true, tx.Now(), expectedCeiling).
			Updates(map[string]any{"quota_used": gorm.Expr("quota_used + 1"), "updated_at": tx.Now()})
		if res.Error != nil {
			return classify(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrQuotaExceeded
		}

		sub, err := tx.reloadSubscription(subscriptionID)
		if err != nil {
			return err
		}
		rec := models.UsageRecord{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			Payload:        payload,
			CreatedAt:      tx.Now(),
		}
		if err := tx.db.Create(&rec).Error; err != nil {
			return classify(err)
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateLapsed flips active rows whose end date has passed. Access checks
// never depend on it.
func (s *Store) DeactivateLapsed(ctx context.Context) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	now := s.clock.Now()
	res := db.Model(&models.Subscription{}).
		Where("active = ? AND end_date <= ?", true, now).
		Updates(map[string]any{"active": false, "updated_at": now})
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	return res.RowsAffected, nil
}

// ExpiringBetween lists live subscriptions ending inside [from, to], with users loaded.
func (s *Store) ExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var subs []models.Subscription
	err := db.Preload("User").
		Where("active = ? AND end_date >= ? AND end_date <= ?", true, from, to).
		Order("end_date").
		Find(&subs).Error
	if err != nil {
		return nil, classify(err)
	}
	return subs, nil
}

func (s *Store) CountUsage(ctx context.Context, subscriptionID uint) (int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var n int64
	if err := db.Model(&models.UsageRecord{}).Where("subscription_id = ?", subscriptionID).Count(&n).Error; err != nil {
		return 0, classify(err)
	}
	return n, nil
}
