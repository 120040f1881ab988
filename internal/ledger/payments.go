package ledger

import (
	"context"
	"errors"
	"time"

	"linkquota-bot/internal/models"
)

// RecordPayment inserts p keyed by its gateway id. If the id is already known
// the stored row is returned instead, so repeated calls are safe.
func (s *Store) RecordPayment(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	now := s.clock.Now()
	if p.Status == "" {
		p.Status = models.PaymentPending
	}
	if p.Currency == "" {
		p.Currency = "RUB"
	}
	p.CreatedAt, p.UpdatedAt = now, now

	err := classify(db.Create(p).Error)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}

	var existing models.Payment
	if err := db.Where("gateway_id = ?", p.GatewayID).First(&existing).Error; err != nil {
		return nil, classify(err)
	}
	return &existing, nil
}

func (s *Store) GetPayment(ctx context.Context, gatewayID string) (*models.Payment, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var p models.Payment
	if err := db.Where("gateway_id = ?", gatewayID).First(&p).Error; err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

func (s *Store) TransitionPaymentStatus(ctx context.Context, gatewayID string, from, to models.PaymentStatus) (TransitionResult, error) {
	var result TransitionResult
	err := s.Atomically(ctx, func(tx *Tx) error {
		r, err := tx.TransitionPaymentStatus(gatewayID, from, to)
		result = r
		return err
	})
	return result, err
}

// PendingPayments lists pending payments created inside (after, before), oldest first.
func (s *Store) PendingPayments(ctx context.Context, after, before time.Time, limit int) ([]models.Payment, error) {
	db, cancel := s.conn(ctx)
	defer cancel()

	var out []models.Payment
	err := db.Where("status = ? AND created_at > ? AND created_at < ?", string(models.PaymentPending), after, before).
		Order("created_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}
