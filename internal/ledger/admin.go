package ledger

import (
	"context"
	"strconv"
	"strings"
	"time"

	"linkquota-bot/internal/models"
)

type UserRow struct {
	User         models.User
	Subscription *models.Subscription
}

type UserDetail struct {
	User          models.User
	Subscriptions []models.Subscription
	Payments      []models.Payment
	UsageCount    int64
}

type SubscriptionFilter string

const (
	FilterAll     SubscriptionFilter = "all"
	FilterActive  SubscriptionFilter = "active"
	FilterExpired SubscriptionFilter = "expired"
)

type Stats struct {
	TotalUsers          int64 `json:"total_users"`
	ActiveSubscriptions int64 `json:"active_subscriptions"`
	PaymentsToday       int64 `json:"payments_today"`
	RevenueToday        int64 `json:"revenue_today"`
	QuotaUsed           int64 `json:"quota_used"`
	QuotaAvailable      int64 `json:"quota_available"`
	UsageRecords        int64 `json:"usage_records"`
}

const historyLimit = 10

// ListUsers pages through users, newest first, each with its active subscription.
// search matches username, full name or an exact telegram id.
func (s *Store) ListUsers(ctx context.Context, search string, page, limit int) ([]UserRow, int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	q := db.Model(&models.User{})
	if search = strings.TrimSpace(search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		if id, err := strconv.ParseInt(search, 10, 64); err == nil {
			q = q.Where("telegram_id = ? OR LOWER(username) LIKE ? OR LOWER(full_name) LIKE ?", id, like, like)
		} else {
			q = q.Where("LOWER(username) LIKE ? OR LOWER(full_name) LIKE ?", like, like)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classify(err)
	}

	var users []models.User
	if err := q.Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).Find(&users).Error; err != nil {
		return nil, 0, classify(err)
	}
	if len(users) == 0 {
		return []UserRow{}, total, nil
	}

	ids := make([]uint, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	var subs []models.Subscription
	if err := db.Where("user_id IN ? AND active = ?", ids, true).Find(&subs).Error; err != nil {
		return nil, 0, classify(err)
	}
	byUser := make(map[uint]*models.Subscription, len(subs))
	for i := range subs {
		byUser[subs[i].UserID] = &subs[i]
	}

	rows := make([]UserRow, len(users))
	for i, u := range users {
		rows[i] = UserRow{User: u, Subscription: byUser[u.ID]}
	}
	return rows, total, nil
}

func (s *Store) UserDetail(ctx context.Context, userID uint) (*UserDetail, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var d UserDetail
	if err := db.First(&d.User, userID).Error; err != nil {
		return nil, classify(err)
	}
	if err := db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Limit(historyLimit).Find(&d.Subscriptions).Error; err != nil {
		return nil, classify(err)
	}
	if err := db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Limit(historyLimit).Find(&d.Payments).Error; err != nil {
		return nil, classify(err)
	}
	if err := db.Model(&models.UsageRecord{}).Where("user_id = ?", userID).Count(&d.UsageCount).Error; err != nil {
		return nil, classify(err)
	}
	return &d, nil
}

// ListSubscriptions returns subscriptions with their users. Active means flagged
// active and not past the end date; expired is everything else.
func (s *Store) ListSubscriptions(ctx context.Context, filter SubscriptionFilter, page, limit int) ([]models.Subscription, int64, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	now := s.clock.Now()
	q := db.Model(&models.Subscription{})
	switch filter {
	case FilterActive:
		q = q.Where("active = ? AND end_date > ?", true, now)
	case FilterExpired:
		q = q.Where("active = ? OR end_date <= ?", false, now)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classify(err)
	}
	var subs []models.Subscription
	err := q.Preload("User").Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).Find(&subs).Error
	if err != nil {
		return nil, 0, classify(err)
	}
	return subs, total, nil
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	now := s.clock.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var st Stats
	if err := db.Model(&models.User{}).Count(&st.TotalUsers).Error; err != nil {
		return nil, classify(err)
	}

	live := db.Model(&models.Subscription{}).Where("active = ? AND end_date > ?", true, now)
	var quota struct {
		Count     int64
		Used      int64
		Available int64
	}
	err := live.Select("COUNT(*) AS count, COALESCE(SUM(quota_used), 0) AS used, COALESCE(SUM(quota_limit - quota_used), 0) AS available").
		Scan(&quota).Error
	if err != nil {
		return nil, classify(err)
	}
	st.ActiveSubscriptions, st.QuotaUsed, st.QuotaAvailable = quota.Count, quota.Used, quota.Available

	var pay struct {
		Count int64
		Total int64
	}
	err = db.Model(&models.Payment{}).
		Where("status = ? AND updated_at >= ?", string(models.PaymentSucceeded), dayStart).
		Select("COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Scan(&pay).Error
	if err != nil {
		return nil, classify(err)
	}
	st.PaymentsToday, st.RevenueToday = pay.Count, pay.Total

	if err := db.Model(&models.UsageRecord{}).Count(&st.UsageRecords).Error; err != nil {
		return nil, classify(err)
	}
	return &st, nil
}
