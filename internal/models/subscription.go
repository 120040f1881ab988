package models

import (
	"time"
)

type Subscription struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     uint      `gorm:"not null;index;index:idx_subscriptions_one_active,unique,where:active = true"`
	User       User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Plan       string    `gorm:"size:50;not null"`
	QuotaLimit int       `gorm:"not null"`
	QuotaUsed  int       `gorm:"not null;default:0"`
	StartDate  time.Time `gorm:"not null"`
	EndDate    time.Time `gorm:"not null;index"`
	Active     bool      `gorm:"not null;default:true;index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Live reports whether the subscription grants access at now. An active row whose
// end date has passed is treated as expired without being rewritten.
func (s Subscription) Live(now time.Time) bool {
	return s.Active && s.EndDate.After(now)
}

func (s Subscription) Remaining() int {
	if r := s.QuotaLimit - s.QuotaUsed; r > 0 {
		return r
	}
	return 0
}
