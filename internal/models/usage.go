package models

import (
	"time"
)

// UsageRecord is one consumed quota unit. Rows are only ever inserted.
type UsageRecord struct {
	ID             uint         `gorm:"primaryKey"`
	SubscriptionID uint         `gorm:"not null;index"`
	Subscription   Subscription `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	UserID         uint         `gorm:"not null;index"`
	User           User         `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Payload        string       `gorm:"type:text"`
	CreatedAt      time.Time
}

func (UsageRecord) TableName() string {
	return "usage_records"
}
