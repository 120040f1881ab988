package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"linkquota-bot/internal/models"
	"linkquota-bot/internal/payment"
)

// Service is the slice of the access facade the background loops call.
type Service interface {
	ApplyPayment(ctx context.Context, ev payment.Event) (payment.Result, error)
	RefreshPayment(ctx context.Context, gatewayID string) (payment.Result, error)
	PendingPayments(ctx context.Context, maxAge time.Duration, limit int) ([]models.Payment, error)
	TelegramID(ctx context.Context, userID uint) (int64, error)
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error)
	Sweep(ctx context.Context) (int64, error)
}

// Notifier delivers user-facing messages; the Telegram bot implements it.
type Notifier interface {
	NotifyActivated(ctx context.Context, chatID int64, sub *models.Subscription) error
	NotifyExpiring(ctx context.Context, chatID int64, sub *models.Subscription) error
}

// notifyActivated is best-effort: the payment is already applied.
func notifyActivated(ctx context.Context, svc Service, n Notifier, res payment.Result, log *zap.Logger) {
	if res.Outcome != payment.Activated || res.Subscription == nil || n == nil {
		return
	}
	chatID, err := svc.TelegramID(ctx, res.Subscription.UserID)
	if err != nil {
		log.Warn("failed to resolve chat for activation notice", zap.Uint("user_id", res.Subscription.UserID), zap.Error(err))
		return
	}
	if err := n.NotifyActivated(ctx, chatID, res.Subscription); err != nil {
		log.Warn("failed to send activation notice", zap.Int64("telegram_id", chatID), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
