package models

import (
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// CanTransition is the monotonic status table: pending moves to any terminal
// state, succeeded may only be refunded.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return to == PaymentSucceeded || to == PaymentFailed || to == PaymentRefunded
	case PaymentSucceeded:
		return to == PaymentRefunded
	}
	return false
}

type Payment struct {
	ID             uint          `gorm:"primaryKey"`
	UserID         uint          `gorm:"not null;index"`
	User           User          `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	GatewayID      string        `gorm:"size:255;not null;uniqueIndex"`
	Amount         int64         `gorm:"not null"` // kopeks
	Currency       string        `gorm:"size:3;not null;default:'RUB'"`
	Plan           string        `gorm:"size:50;not null"`
	Status         PaymentStatus `gorm:"size:20;not null;default:'pending';index"`
	SubscriptionID *uint         `gorm:"index"`
	Placeholder    bool          `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
