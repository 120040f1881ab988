package ledger

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"linkquota-bot/internal/models"
)

// Tx is a unit of work inside Store.Atomically. Locks are taken in the order
// payment, user, subscription.
type Tx struct {
	db       *gorm.DB
	now      time.Time
	lockRows bool
}

// Now is the timestamp fixed at the start of the transaction.
func (t *Tx) Now() time.Time {
	return t.now
}

func (t *Tx) locked() *gorm.DB {
	if t.lockRows {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

// LockUser serializes all subscription changes for one user.
func (t *Tx) LockUser(userID uint) (*models.User, error) {
	var u models.User
	if err := t.locked().First(&u, userID).Error; err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

func (t *Tx) LockSubscription(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := t.locked().First(&sub, id).Error; err != nil {
		return nil, classify(err)
	}
	return &sub, nil
}

func (t *Tx) LockPayment(gatewayID string) (*models.Payment, error) {
	var p models.Payment
	if err := t.locked().Where("gateway_id = ?", gatewayID).First(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

// ActiveSubscription returns the row flagged active for the user, live or not.
// Callers must hold the user lock.
func (t *Tx) ActiveSubscription(userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := t.db.Where("user_id = ? AND active = ?", userID, true).First(&sub).Error
	if err != nil {
		return nil, classify(err)
	}
	return &sub, nil
}

type ChangeKind int

const (
	Keep ChangeKind = iota
	Extend
	Replace
)

func (k ChangeKind) String() string {
	switch k {
	case Keep:
		return "keep"
	case Extend:
		return "extend"
	case Replace:
		return "replace"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is one of the fixed subscription mutations. Build it with
// KeepChange, ExtendChange or ReplaceChange.
type Change struct {
	Kind       ChangeKind
	Plan       string
	Quota      int
	StartDate  time.Time
	EndDate    time.Time
	ResetUsage bool
}

func KeepChange() Change {
	return Change{Kind: Keep}
}

// ExtendChange moves the end date and adds quota to the ceiling. With
// resetUsage the ceiling becomes quota and the used counter restarts at zero.
func ExtendChange(end time.Time, quota int, resetUsage bool) Change {
	return Change{Kind: Extend, EndDate: end, Quota: quota, ResetUsage: resetUsage}
}

func ReplaceChange(plan string, quota int, start, end time.Time) Change {
	return Change{Kind: Replace, Plan: plan, Quota: quota, StartDate: start, EndDate: end}
}

// ApplyChange performs ch against current, which is the user's active row or
// nil. The user must already be locked.
func (t *Tx) ApplyChange(userID uint, current *models.Subscription, ch Change) (*models.Subscription, error) {
	switch ch.Kind {
	case Keep:
		if current == nil {
			return nil, ErrNotFound
		}
		return current, nil
	case Extend:
		if current == nil {
			return nil, ErrNotFound
		}
		updates := map[string]any{"end_date": ch.EndDate, "updated_at": t.now}
		if ch.ResetUsage {
			updates["quota_limit"] = ch.Quota
			updates["quota_used"] = 0
		} else {
			updates["quota_limit"] = gorm.Expr("quota_limit + ?", ch.Quota)
		}
		res := t.db.Model(&models.Subscription{}).
			Where("id = ? AND active = ?", current.ID, true).
			Updates(updates)
		if res.Error != nil {
			return nil, classify(res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, fmt.Errorf("subscription %d no longer active: %w", current.ID, ErrConflict)
		}
		return t.reloadSubscription(current.ID)
	case Replace:
		return t.replace(userID, ch)
	}
	return nil, fmt.Errorf("unsupported change %s", ch.Kind)
}

func (t *Tx) replace(userID uint, ch Change) (*models.Subscription, error) {
	if _, err := t.deactivateActive(userID); err != nil {
		return nil, err
	}
	sub := models.Subscription{
		UserID:     userID,
		Plan:       ch.Plan,
		QuotaLimit: ch.Quota,
		StartDate:  ch.StartDate,
		EndDate:    ch.EndDate,
		Active:     true,
		CreatedAt:  t.now,
		UpdatedAt:  t.now,
	}
	if err := t.db.Create(&sub).Error; err != nil {
		return nil, classify(err)
	}
	return &sub, nil
}

func (t *Tx) deactivateActive(userID uint) (int64, error) {
	res := t.db.Model(&models.Subscription{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(map[string]any{"active": false, "updated_at": t.now})
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	return res.RowsAffected, nil
}

// DeactivateSubscription clears the active flag and reports whether it was set.
func (t *Tx) DeactivateSubscription(id uint) (bool, error) {
	res := t.db.Model(&models.Subscription{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{"active": false, "updated_at": t.now})
	if res.Error != nil {
		return false, classify(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (t *Tx) ResetUsage(id uint) (*models.Subscription, error) {
	res := t.db.Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{"quota_used": 0, "updated_at": t.now})
	if res.Error != nil {
		return nil, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return t.reloadSubscription(id)
}

// ChangeCeiling sets an absolute quota ceiling. It never drops below the used count.
func (t *Tx) ChangeCeiling(id uint, ceiling int) (*models.Subscription, error) {
	sub, err := t.LockSubscription(id)
	if err != nil {
		return nil, err
	}
	if ceiling < 0 || ceiling < sub.QuotaUsed {
		return nil, fmt.Errorf("ceiling %d, used %d: %w", ceiling, sub.QuotaUsed, ErrInvalidCeiling)
	}
	err = t.db.Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{"quota_limit": ceiling, "updated_at": t.now}).Error
	if err != nil {
		return nil, classify(err)
	}
	return t.reloadSubscription(id)
}

func (t *Tx) reloadSubscription(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := t.db.First(&sub, id).Error; err != nil {
		return nil, classify(err)
	}
	return &sub, nil
}

type TransitionResult int

const (
	Transitioned TransitionResult = iota
	AlreadyInState
)

func (r TransitionResult) String() string {
	if r == AlreadyInState {
		return "already_in_state"
	}
	return "transitioned"
}

// TransitionPaymentStatus moves a payment from one status to another. A
// payment already at the target status yields AlreadyInState, not an error.
func (t *Tx) TransitionPaymentStatus(gatewayID string, from, to models.PaymentStatus) (TransitionResult, error) {
	p, err := t.LockPayment(gatewayID)
	if err != nil {
		return 0, err
	}
	if p.Status == to {
		return AlreadyInState, nil
	}
	if p.Status != from || !from.CanTransition(to) {
		return 0, fmt.Errorf("payment %s %s -> %s: %w", gatewayID, p.Status, to, ErrInvalidTransition)
	}

	res := t.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", p.ID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": t.now})
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("payment %s changed concurrently: %w", gatewayID, ErrInvalidTransition)
	}
	return Transitioned, nil
}

func (t *Tx) LinkPaymentSubscription(paymentID, subscriptionID uint) error {
	err := t.db.Model(&models.Payment{}).
		Where("id = ?", paymentID).
		Updates(map[string]any{"subscription_id": subscriptionID, "updated_at": t.now}).Error
	return classify(err)
}
