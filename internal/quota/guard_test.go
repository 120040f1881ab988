package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/ledger/ledgertest"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/quota"
)

func TestCheckAndConsumeConcurrentCallersStopAtCeiling(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now().Add(24*time.Hour))
	guard := quota.NewGuard(store, metrics.New(), zap.NewNop())

	var allowed, denied atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := guard.CheckAndConsume(context.Background(), u.ID, "https://example.com")
			assert.NoError(t, err)
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
	assert.Equal(t, int32(45), denied.Load())
	assert.Equal(t, 5, ledgertest.ReloadSubscription(t, db, sub.ID).QuotaUsed)

	n, err := store.CountUsage(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestCheckAndConsumeReportsRemaining(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 3, 1, clk.Now().Add(time.Hour))
	guard := quota.NewGuard(store, nil, zap.NewNop())

	d, err := guard.CheckAndConsume(context.Background(), u.ID, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, quota.Decision{Allowed: true, Remaining: 1, Total: 3, SubscriptionID: sub.ID}, d)

	d, err = guard.CheckAndConsume(context.Background(), u.ID, "https://example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = guard.CheckAndConsume(context.Background(), u.ID, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, quota.Decision{Allowed: false, Remaining: 0, Total: 3, SubscriptionID: sub.ID}, d)
}

func TestExpiredSubscriptionDeniedWithoutMutation(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 1, clk.Now().Add(-24*time.Hour))
	before := ledgertest.ReloadSubscription(t, db, sub.ID)
	guard := quota.NewGuard(store, nil, zap.NewNop())

	d, err := guard.CheckAndConsume(context.Background(), u.ID, "https://example.com")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 0, d.Total)

	after := ledgertest.ReloadSubscription(t, db, sub.ID)
	assert.True(t, after.Active)
	assert.Equal(t, before.QuotaUsed, after.QuotaUsed)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestNoSubscriptionDenied(t *testing.T) {
	store, db, _ := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	guard := quota.NewGuard(store, nil, zap.NewNop())

	d, err := guard.Check(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, quota.Decision{}, d)
}

func TestBoundaryEndDateIsExpired(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now())
	guard := quota.NewGuard(store, nil, zap.NewNop())

	d, err := guard.CheckAndConsume(context.Background(), u.ID, "x")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

type failingStore struct {
	sub *models.Subscription
	err error
}

func (f *failingStore) GetActiveSubscription(context.Context, uint) (*models.Subscription, error) {
	if f.sub == nil {
		return nil, f.err
	}
	return f.sub, nil
}

func (f *failingStore) IncrementQuotaUsed(context.Context, uint, int, string) (*models.Subscription, error) {
	return nil, f.err
}

func (f *failingStore) Now() time.Time { return ledgertest.Epoch }

func TestStorageFaultFailsClosed(t *testing.T) {
	guard := quota.NewGuard(&failingStore{err: ledger.ErrStorageUnavailable}, nil, zap.NewNop())

	d, err := guard.CheckAndConsume(context.Background(), 1, "x")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.False(t, d.Allowed)

	live := &models.Subscription{ID: 9, QuotaLimit: 5, Active: true, EndDate: ledgertest.Epoch.Add(time.Hour)}
	guard = quota.NewGuard(&failingStore{sub: live, err: ledger.ErrStorageUnavailable}, nil, zap.NewNop())

	d, err = guard.CheckAndConsume(context.Background(), 1, "x")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
}

func TestClosedDatabaseFailsClosed(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now().Add(24*time.Hour))
	guard := quota.NewGuard(store, nil, zap.NewNop())

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	d, err := guard.Check(context.Background(), u.ID)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.False(t, d.Allowed)

	d, err = guard.CheckAndConsume(context.Background(), u.ID, "https://example.com")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.False(t, d.Allowed)
}
