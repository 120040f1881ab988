package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"linkquota-bot/internal/config"
	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/plans"
	"linkquota-bot/internal/quota"
	"linkquota-bot/internal/subscription"
)

type Params struct {
	fx.In

	Config     *config.Config
	Store      *ledger.Store
	Guard      *quota.Guard
	Lifecycle  *subscription.Manager
	Reconciler *payment.Reconciler
	Gateway    payment.Gateway
	Catalog    *plans.Catalog
	Log        *zap.Logger
}

// Facade is the only entry point the chat and admin layers use.
type Facade struct {
	cfg        *config.Config
	store      *ledger.Store
	guard      *quota.Guard
	lifecycle  *subscription.Manager
	reconciler *payment.Reconciler
	gateway    payment.Gateway
	catalog    *plans.Catalog
	log        *zap.Logger
}

func New(p Params) *Facade {
	return &Facade{
		cfg:        p.Config,
		store:      p.Store,
		guard:      p.Guard,
		lifecycle:  p.Lifecycle,
		reconciler: p.Reconciler,
		gateway:    p.Gateway,
		catalog:    p.Catalog,
		log:        p.Log.Named("access"),
	}
}

type Profile struct {
	TelegramID int64
	Username   string
	FullName   string
}

type AccessResult struct {
	Allowed   bool
	Remaining int
	Total     int
}

type Summary struct {
	Active    bool
	Plan      string
	PlanName  string
	EndDate   time.Time
	Remaining int
	Total     int
}

type Checkout struct {
	Plan            plans.Plan
	GatewayID       string
	ConfirmationURL string
}

// RegisterUser returns the user for p, creating it on first contact and
// refreshing the display name otherwise.
func (f *Facade) RegisterUser(ctx context.Context, p Profile) (*models.User, error) {
	u, err := f.store.GetUser(ctx, p.TelegramID)
	if errors.Is(err, ledger.ErrNotFound) {
		u, err = f.store.CreateUser(ctx, p.TelegramID, p.Username, p.FullName, f.cfg.IsAdmin(p.TelegramID))
		if err == nil {
			f.log.Info("user registered", zap.Int64("telegram_id", p.TelegramID), zap.Uint("user_id", u.ID))
			return u, nil
		}
		if !errors.Is(err, ledger.ErrConflict) {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		u, err = f.store.GetUser(ctx, p.TelegramID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if u.Username != p.Username || u.FullName != p.FullName {
		if err := f.store.RefreshProfile(ctx, u.ID, p.Username, p.FullName); err != nil {
			f.log.Warn("failed to refresh profile", zap.Uint("user_id", u.ID), zap.Error(err))
		} else {
			u.Username, u.FullName = p.Username, p.FullName
		}
	}
	return u, nil
}

// userID resolves a telegram id; an unknown user is reported as (0, nil).
func (f *Facade) userID(ctx context.Context, telegramID int64) (uint, error) {
	u, err := f.store.GetUser(ctx, telegramID)
	if errors.Is(err, ledger.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func (f *Facade) CheckAccess(ctx context.Context, telegramID int64) (AccessResult, error) {
	id, err := f.userID(ctx, telegramID)
	if err != nil || id == 0 {
		return AccessResult{}, err
	}
	d, err := f.guard.Check(ctx, id)
	if err != nil {
		return AccessResult{}, err
	}
	return AccessResult{Allowed: d.Allowed, Remaining: d.Remaining, Total: d.Total}, nil
}

// ConsumeOneUnit spends one request on payload. Any error comes back with
// Allowed false.
func (f *Facade) ConsumeOneUnit(ctx context.Context, telegramID int64, payload string) (AccessResult, error) {
	id, err := f.userID(ctx, telegramID)
	if err != nil || id == 0 {
		return AccessResult{}, err
	}
	d, err := f.guard.CheckAndConsume(ctx, id, payload)
	if err != nil {
		return AccessResult{}, err
	}
	return AccessResult{Allowed: d.Allowed, Remaining: d.Remaining, Total: d.Total}, nil
}

func (f *Facade) GetSubscriptionSummary(ctx context.Context, telegramID int64) (Summary, error) {
	id, err := f.userID(ctx, telegramID)
	if err != nil || id == 0 {
		return Summary{}, err
	}
	sub, err := f.store.GetActiveSubscription(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, err
	}
	if !sub.Live(f.store.Now()) {
		return Summary{}, nil
	}

	s := Summary{
		Active:    true,
		Plan:      sub.Plan,
		EndDate:   sub.EndDate,
		Remaining: sub.Remaining(),
		Total:     sub.QuotaLimit,
	}
	if p, err := f.catalog.Lookup(sub.Plan); err == nil {
		s.PlanName = p.Name
	}
	return s, nil
}

func (f *Facade) Plans() []plans.Plan {
	return f.catalog.Purchasable()
}

// StartCheckout creates a gateway payment for planKey and records it as pending.
func (f *Facade) StartCheckout(ctx context.Context, telegramID int64, planKey string) (*Checkout, error) {
	plan, err := f.catalog.Lookup(planKey)
	if err != nil {
		return nil, err
	}
	if !plan.Purchasable() {
		return nil, fmt.Errorf("%w: %q is not for sale", plans.ErrUnknownPlan, planKey)
	}
	u, err := f.store.GetUser(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	meta := payment.Metadata{UserID: u.ID, TelegramID: telegramID, PlanKey: plan.Key}
	resp, err := f.gateway.CreatePayment(ctx, plan.PriceString(), "RUB",
		fmt.Sprintf("Подписка: %s", plan.Name), f.cfg.YookassaReturnURL, meta.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	_, err = f.store.RecordPayment(ctx, &models.Payment{
		UserID:    u.ID,
		GatewayID: resp.ID,
		Amount:    plan.Price,
		Plan:      plan.Key,
		Status:    models.PaymentPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	f.log.Info("checkout started", zap.Int64("telegram_id", telegramID), zap.String("plan", plan.Key), zap.String("gateway_id", resp.ID))
	return &Checkout{Plan: plan, GatewayID: resp.ID, ConfirmationURL: resp.Confirmation.ConfirmationURL}, nil
}

// RefreshPayment polls the gateway for gatewayID and reconciles the answer.
func (f *Facade) RefreshPayment(ctx context.Context, gatewayID string) (payment.Result, error) {
	resp, err := f.gateway.GetPayment(ctx, gatewayID)
	if err != nil {
		return payment.Result{}, fmt.Errorf("failed to get payment: %w", err)
	}
	ev, err := payment.EventFromPayment(resp, f.store.Now())
	if err != nil {
		return payment.Result{}, err
	}
	return f.ApplyPayment(ctx, ev)
}

// CheckPayment refreshes a payment on behalf of the user who started it. A
// payment owned by someone else is reported as not found.
func (f *Facade) CheckPayment(ctx context.Context, telegramID int64, gatewayID string) (payment.Result, error) {
	u, err := f.store.GetUser(ctx, telegramID)
	if err != nil {
		return payment.Result{}, fmt.Errorf("failed to get user: %w", err)
	}
	p, err := f.store.GetPayment(ctx, gatewayID)
	if err != nil {
		return payment.Result{}, fmt.Errorf("failed to get payment: %w", err)
	}
	if p.UserID != u.ID {
		f.log.Warn("payment check by non-owner", zap.Int64("telegram_id", telegramID), zap.String("gateway_id", gatewayID))
		return payment.Result{}, fmt.Errorf("payment %s: %w", gatewayID, ledger.ErrNotFound)
	}
	return f.RefreshPayment(ctx, gatewayID)
}

func (f *Facade) ApplyPayment(ctx context.Context, ev payment.Event) (payment.Result, error) {
	return f.reconciler.HandleEvent(ctx, ev)
}

// TelegramID maps a ledger user to the chat it registered from.
func (f *Facade) TelegramID(ctx context.Context, userID uint) (int64, error) {
	u, err := f.store.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.TelegramID, nil
}

func (f *Facade) ExtendOrCreate(ctx context.Context, userID uint, planKey string) (*models.Subscription, error) {
	return f.lifecycle.ExtendOrCreate(ctx, userID, planKey)
}

func (f *Facade) ListUsers(ctx context.Context, search string, page, limit int) ([]ledger.UserRow, int64, error) {
	return f.store.ListUsers(ctx, search, page, limit)
}

func (f *Facade) UserDetail(ctx context.Context, userID uint) (*ledger.UserDetail, error) {
	return f.store.UserDetail(ctx, userID)
}

func (f *Facade) ListSubscriptions(ctx context.Context, filter ledger.SubscriptionFilter, page, limit int) ([]models.Subscription, int64, error) {
	return f.store.ListSubscriptions(ctx, filter, page, limit)
}

func (f *Facade) Stats(ctx context.Context) (*ledger.Stats, error) {
	return f.store.Stats(ctx)
}

func (f *Facade) AdminExtend(ctx context.Context, userID uint, days int) (*models.Subscription, error) {
	return f.lifecycle.AdminExtend(ctx, userID, days)
}

func (f *Facade) AdminCancel(ctx context.Context, subscriptionID uint) error {
	return f.lifecycle.Cancel(ctx, subscriptionID)
}

func (f *Facade) AdminResetUsage(ctx context.Context, subscriptionID uint) (*models.Subscription, error) {
	return f.lifecycle.ResetUsage(ctx, subscriptionID)
}

func (f *Facade) AdminChangeCeiling(ctx context.Context, subscriptionID uint, ceiling int) (*models.Subscription, error) {
	return f.lifecycle.ChangeCeiling(ctx, subscriptionID, ceiling)
}

// Sweep and the expiry listing back the background checker.
func (f *Facade) Sweep(ctx context.Context) (int64, error) {
	return f.lifecycle.Sweep(ctx)
}

func (f *Facade) ExpiringBetween(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	return f.store.ExpiringBetween(ctx, from, to)
}

func (f *Facade) PendingPayments(ctx context.Context, maxAge time.Duration, limit int) ([]models.Payment, error) {
	now := f.store.Now()
	return f.store.PendingPayments(ctx, now.Add(-maxAge), now, limit)
}
