package payment

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/plans"
)

type Outcome string

const (
	Activated     Outcome = "activated"
	StatusUpdated Outcome = "status_updated"
	Revoked       Outcome = "revoked"
	Duplicate     Outcome = "duplicate"
	Unchanged     Outcome = "unchanged"
	Dropped       Outcome = "dropped"
)

type Result struct {
	Outcome      Outcome
	Payment      *models.Payment
	Subscription *models.Subscription
}

// Lifecycle is the subscription side of reconciliation, run inside the
// reconciler's transaction.
type Lifecycle interface {
	ExtendOrCreateTx(tx *ledger.Tx, userID uint, planKey string) (*models.Subscription, error)
	CancelTx(tx *ledger.Tx, subscriptionID uint) (bool, error)
}

type Reconciler struct {
	store     *ledger.Store
	lifecycle Lifecycle
	catalog   *plans.Catalog
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewReconciler(store *ledger.Store, lifecycle Lifecycle, catalog *plans.Catalog, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		lifecycle: lifecycle,
		catalog:   catalog,
		metrics:   m,
		log:       log.Named("payment.reconciler"),
	}
}

func target(reported Status) (models.PaymentStatus, error) {
	switch reported {
	case StatusSucceeded:
		return models.PaymentSucceeded, nil
	case StatusCanceled, StatusFailed:
		return models.PaymentFailed, nil
	case StatusRefunded:
		return models.PaymentRefunded, nil
	case StatusPending:
		return models.PaymentPending, nil
	}
	return "", fmt.Errorf("%w: status %q", ErrUnknownEvent, reported)
}

// Reconcile applies one gateway status report. It is safe to repeat: only the
// call that moves a payment to succeeded touches the subscription, and the
// transition, the subscription change and the link commit together.
func (r *Reconciler) Reconcile(ctx context.Context, gatewayID string, reported Status, meta Metadata) (Result, error) {
	to, err := target(reported)
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = r.store.Atomically(ctx, func(tx *ledger.Tx) error {
		p, err := tx.LockPayment(gatewayID)
		if err != nil {
			return err
		}
		res = Result{Payment: p}

		if to == models.PaymentPending {
			res.Outcome = Unchanged
			return nil
		}

		from := p.Status
		if to == models.PaymentSucceeded {
			from = models.PaymentPending
		}
		tr, err := tx.TransitionPaymentStatus(gatewayID, from, to)
		if err != nil {
			return err
		}
		if tr == ledger.AlreadyInState {
			res.Outcome = Duplicate
			return nil
		}
		p.Status = to

		switch to {
		case models.PaymentSucceeded:
			sub, err := r.lifecycle.ExtendOrCreateTx(tx, p.UserID, p.Plan)
			if err != nil {
				return fmt.Errorf("failed to activate subscription: %w", err)
			}
			if err := tx.LinkPaymentSubscription(p.ID, sub.ID); err != nil {
				return err
			}
			p.SubscriptionID = &sub.ID
			res.Subscription = sub
			res.Outcome = Activated
		case models.PaymentRefunded:
			res.Outcome = StatusUpdated
			if p.SubscriptionID != nil {
				if _, err := r.lifecycle.CancelTx(tx, *p.SubscriptionID); err != nil {
					return fmt.Errorf("failed to revoke subscription: %w", err)
				}
				res.Outcome = Revoked
			}
		default:
			res.Outcome = StatusUpdated
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	r.metrics.Reconciled(string(res.Outcome))
	r.log.Info("payment reconciled",
		zap.String("gateway_id", gatewayID),
		zap.String("reported", string(reported)),
		zap.String("outcome", string(res.Outcome)),
	)
	return res, nil
}

// HandleEvent reconciles ev and owns the NotFound policy: a payment the store
// has never seen is recorded from the event metadata and retried once. Events
// that can never apply are logged and dropped with a nil error. Any other
// failure is returned so the caller can redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	res, err := r.Reconcile(ctx, ev.GatewayID, ev.Status, ev.Metadata)
	if errors.Is(err, ledger.ErrNotFound) {
		if perr := r.recordPlaceholder(ctx, ev); perr != nil {
			err = perr
		} else {
			res, err = r.Reconcile(ctx, ev.GatewayID, ev.Status, ev.Metadata)
		}
	}
	if err == nil {
		return res, nil
	}

	if !permanent(err) {
		r.metrics.Reconciled("error")
		r.log.Error("reconcile failed", zap.String("gateway_id", ev.GatewayID), zap.Error(err))
		return Result{}, err
	}

	r.metrics.Reconciled(string(Dropped))
	r.log.Warn("dropping payment event",
		zap.String("gateway_id", ev.GatewayID),
		zap.String("event", ev.EventType),
		zap.String("status", string(ev.Status)),
		zap.Error(err),
	)
	return Result{Outcome: Dropped}, nil
}

// permanent lists the failures a redelivery cannot fix. NotFound only reaches
// here after the placeholder retry.
func permanent(err error) bool {
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		return false
	}
	for _, target := range []error{
		ledger.ErrInvalidTransition,
		ledger.ErrNotFound,
		ErrUnknownEvent,
		ErrMissingMetadata,
		plans.ErrUnknownPlan,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (r *Reconciler) recordPlaceholder(ctx context.Context, ev Event) error {
	if ev.Metadata.PlanKey == "" {
		return fmt.Errorf("no plan_key for %s: %w", ev.GatewayID, ErrMissingMetadata)
	}
	plan, err := r.catalog.Lookup(ev.Metadata.PlanKey)
	if err != nil {
		return err
	}

	userID := ev.Metadata.UserID
	if userID == 0 {
		if ev.Metadata.TelegramID == 0 {
			return fmt.Errorf("no user for %s: %w", ev.GatewayID, ErrMissingMetadata)
		}
		u, err := r.store.GetUser(ctx, ev.Metadata.TelegramID)
		if err != nil {
			return fmt.Errorf("failed to resolve user %d: %w", ev.Metadata.TelegramID, err)
		}
		userID = u.ID
	}

	amount := ev.Amount
	if amount == 0 {
		amount = plan.Price
	}
	p, err := r.store.RecordPayment(ctx, &models.Payment{
		UserID:      userID,
		GatewayID:   ev.GatewayID,
		Amount:      amount,
		Plan:        plan.Key,
		Status:      models.PaymentPending,
		Placeholder: true,
	})
	if err != nil {
		return fmt.Errorf("failed to record placeholder payment: %w", err)
	}
	r.log.Info("recorded placeholder payment", zap.String("gateway_id", ev.GatewayID), zap.Uint("payment_id", p.ID))
	return nil
}
