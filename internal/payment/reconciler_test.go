package payment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"linkquota-bot/internal/clock"
	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/ledger/ledgertest"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/plans"
	"linkquota-bot/internal/quota"
	"linkquota-bot/internal/subscription"
)

type env struct {
	store *ledger.Store
	db    *gorm.DB
	clk   *clock.Fake
	rec   *payment.Reconciler
	guard *quota.Guard
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, db, clk := ledgertest.NewStore(t)
	catalog := plans.NewCatalog(50)
	mgr := subscription.NewManager(store, catalog, subscription.Config{}, zap.NewNop())
	return &env{
		store: store,
		db:    db,
		clk:   clk,
		rec:   payment.NewReconciler(store, mgr, catalog, nil, zap.NewNop()),
		guard: quota.NewGuard(store, nil, zap.NewNop()),
	}
}

func countSubscriptions(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestReconcileSucceededIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)

	var outcomes []payment.Outcome
	for i := 0; i < 3; i++ {
		res, err := e.rec.Reconcile(ctx, "pay-1", payment.StatusSucceeded, payment.Metadata{})
		require.NoError(t, err)
		outcomes = append(outcomes, res.Outcome)
	}

	assert.Equal(t, []payment.Outcome{payment.Activated, payment.Duplicate, payment.Duplicate}, outcomes)
	assert.Equal(t, int64(1), countSubscriptions(t, e.db, u.ID))

	sub, err := e.store.GetActiveSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, sub.QuotaLimit)
	assert.True(t, sub.EndDate.Equal(e.clk.Now().Add(30*24*time.Hour)))

	p := ledgertest.ReloadPayment(t, e.db, "pay-1")
	assert.Equal(t, models.PaymentSucceeded, p.Status)
	require.NotNil(t, p.SubscriptionID)
	assert.Equal(t, sub.ID, *p.SubscriptionID)
}

func TestReconcileRenewalExtendsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, e.db, 1)
	existing := ledgertest.SeedSubscription(t, e.db, u.ID, "1m", 5, 2, e.clk.Now().Add(10*24*time.Hour))
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-2", "1m", models.PaymentPending)

	for i := 0; i < 3; i++ {
		_, err := e.rec.Reconcile(ctx, "pay-2", payment.StatusSucceeded, payment.Metadata{})
		require.NoError(t, err)
	}

	sub := ledgertest.ReloadSubscription(t, e.db, existing.ID)
	assert.Equal(t, 10, sub.QuotaLimit)
	assert.Equal(t, 2, sub.QuotaUsed)
	assert.True(t, sub.EndDate.Equal(e.clk.Now().Add(40*24*time.Hour)))
}

func TestRefundRevokesImmediately(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)

	_, err := e.rec.Reconcile(ctx, "pay-1", payment.StatusSucceeded, payment.Metadata{})
	require.NoError(t, err)

	d, err := e.guard.Check(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	res, err := e.rec.Reconcile(ctx, "pay-1", payment.StatusRefunded, payment.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, payment.Revoked, res.Outcome)

	d, err = e.guard.CheckAndConsume(ctx, u.ID, "https://example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, models.PaymentRefunded, ledgertest.ReloadPayment(t, e.db, "pay-1").Status)

	// a late duplicate success must not resurrect anything
	res, err = e.rec.HandleEvent(ctx, payment.Event{GatewayID: "pay-1", Status: payment.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, payment.Dropped, res.Outcome)
	assert.Zero(t, ledgertest.ActiveCount(t, e.db, u.ID))
	assert.Equal(t, models.PaymentRefunded, ledgertest.ReloadPayment(t, e.db, "pay-1").Status)
}

func TestCanceledRecordedAsFailed(t *testing.T) {
	e := newEnv(t)
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)

	res, err := e.rec.Reconcile(context.Background(), "pay-1", payment.StatusCanceled, payment.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusUpdated, res.Outcome)
	assert.Equal(t, models.PaymentFailed, ledgertest.ReloadPayment(t, e.db, "pay-1").Status)
	assert.Zero(t, countSubscriptions(t, e.db, u.ID))
}

func TestPendingReportChangesNothing(t *testing.T) {
	e := newEnv(t)
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)

	res, err := e.rec.Reconcile(context.Background(), "pay-1", payment.StatusPending, payment.Metadata{})
	require.NoError(t, err)
	assert.Equal(t, payment.Unchanged, res.Outcome)
}

func TestUnknownStatusDoesNotMutate(t *testing.T) {
	e := newEnv(t)
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)

	_, err := e.rec.Reconcile(context.Background(), "pay-1", payment.Status("chargeback"), payment.Metadata{})
	assert.ErrorIs(t, err, payment.ErrUnknownEvent)
	assert.Equal(t, models.PaymentPending, ledgertest.ReloadPayment(t, e.db, "pay-1").Status)
}

func TestWebhookBeforeCheckoutUsesPlaceholder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, e.db, 77)

	ev := payment.Event{
		EventType: "payment.succeeded",
		GatewayID: "early-1",
		Status:    payment.StatusSucceeded,
		Amount:    1200_00,
		Metadata:  payment.Metadata{TelegramID: 77, PlanKey: "3m"},
	}
	res, err := e.rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.Activated, res.Outcome)

	res, err = e.rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, payment.Duplicate, res.Outcome)

	p := ledgertest.ReloadPayment(t, e.db, "early-1")
	assert.True(t, p.Placeholder)
	assert.Equal(t, int64(1200_00), p.Amount)
	assert.Equal(t, models.PaymentSucceeded, p.Status)
	assert.Equal(t, int64(1), countSubscriptions(t, e.db, u.ID))
}

func TestUnresolvableEventIsDropped(t *testing.T) {
	e := newEnv(t)

	res, err := e.rec.HandleEvent(context.Background(), payment.Event{GatewayID: "ghost", Status: payment.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, payment.Dropped, res.Outcome)

	_, err = e.store.GetPayment(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestClosedDatabaseEventIsReturnedForRedelivery(t *testing.T) {
	e := newEnv(t)
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)

	sqlDB, err := e.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	res, err := e.rec.HandleEvent(context.Background(), payment.Event{GatewayID: "pay-1", Status: payment.StatusSucceeded})
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.NotEqual(t, payment.Dropped, res.Outcome)
}

type brokenLifecycle struct{ err error }

func (l brokenLifecycle) ExtendOrCreateTx(*ledger.Tx, uint, string) (*models.Subscription, error) {
	return nil, l.err
}

func (l brokenLifecycle) CancelTx(*ledger.Tx, uint) (bool, error) { return false, l.err }

func TestUnrecognisedFailureIsReturnedForRedelivery(t *testing.T) {
	e := newEnv(t)
	u := ledgertest.SeedUser(t, e.db, 1)
	ledgertest.SeedPayment(t, e.db, u.ID, "pay-1", "1m", models.PaymentPending)
	rec := payment.NewReconciler(e.store, brokenLifecycle{err: errors.New("driver: bad frame")}, plans.NewCatalog(50), nil, zap.NewNop())

	res, err := rec.HandleEvent(context.Background(), payment.Event{GatewayID: "pay-1", Status: payment.StatusSucceeded})
	require.Error(t, err)
	assert.NotEqual(t, payment.Dropped, res.Outcome)
	assert.Equal(t, models.PaymentPending, ledgertest.ReloadPayment(t, e.db, "pay-1").Status)
}

func TestUnknownPlanPlaceholderIsDropped(t *testing.T) {
	e := newEnv(t)
	ledgertest.SeedUser(t, e.db, 5)

	res, err := e.rec.HandleEvent(context.Background(), payment.Event{
		GatewayID: "early-2",
		Status:    payment.StatusSucceeded,
		Metadata:  payment.Metadata{TelegramID: 5, PlanKey: "lifetime"},
	})
	require.NoError(t, err)
	assert.Equal(t, payment.Dropped, res.Outcome)
}
