package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"linkquota-bot/internal/payment"
)

const pollBatch = 50

// Poller asks the gateway about pending payments, covering webhooks that
// never arrive.
type Poller struct {
	svc      Service
	notifier Notifier
	interval time.Duration
	maxAge   time.Duration
	log      *zap.Logger
}

func NewPoller(svc Service, notifier Notifier, interval, maxAge time.Duration, log *zap.Logger) *Poller {
	return &Poller{
		svc:      svc,
		notifier: notifier,
		interval: interval,
		maxAge:   maxAge,
		log:      log.Named("worker.poller"),
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles one batch and returns how many payments changed state.
func (p *Poller) RunOnce(ctx context.Context) int {
	pending, err := p.svc.PendingPayments(ctx, p.maxAge, pollBatch)
	if err != nil {
		p.log.Warn("failed to list pending payments", zap.Error(err))
		return 0
	}

	changed := 0
	for _, pay := range pending {
		if ctx.Err() != nil {
			break
		}
		res, err := p.svc.RefreshPayment(ctx, pay.GatewayID)
		if err != nil {
			p.log.Warn("failed to refresh payment", zap.String("gateway_id", pay.GatewayID), zap.Error(err))
			continue
		}
		if !stateChanged(res.Outcome) {
			p.log.Debug("pending payment not advanced", zap.String("gateway_id", pay.GatewayID), zap.String("outcome", string(res.Outcome)))
			continue
		}
		changed++
		p.log.Info("pending payment resolved", zap.String("gateway_id", pay.GatewayID), zap.String("outcome", string(res.Outcome)))
		notifyActivated(ctx, p.svc, p.notifier, res, p.log)
	}
	return changed
}

func stateChanged(o payment.Outcome) bool {
	switch o {
	case payment.Activated, payment.StatusUpdated, payment.Revoked:
		return true
	}
	return false
}
