package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/ledger/ledgertest"
	"linkquota-bot/internal/models"
)

func TestCreateUserConflict(t *testing.T) {
	store, _, _ := ledgertest.NewStore(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, 1001, "alice", "Alice", false)
	require.NoError(t, err)

	_, err = store.CreateUser(ctx, 1001, "alice", "Alice", false)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	got, err := store.GetUser(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = store.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCreateSubscriptionKeepsSingleActive(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, db, 1)

	var last *models.Subscription
	for i := 0; i < 4; i++ {
		sub, err := store.CreateSubscription(ctx, u.ID, "1m", 5, clk.Now().Add(30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), ledgertest.ActiveCount(t, db, u.ID))
		last = sub
	}

	active, err := store.GetActiveSubscription(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, active.ID)
}

func TestCreateSubscriptionConcurrent(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateSubscription(context.Background(), u.ID, "1m", 5, clk.Now().Add(time.Hour))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ledgertest.ActiveCount(t, db, u.ID))
}

func TestActiveIndexRejectsSecondActiveRow(t *testing.T) {
	_, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now().Add(time.Hour))

	dup := &models.Subscription{UserID: u.ID, Plan: "3m", QuotaLimit: 15, StartDate: clk.Now(), EndDate: clk.Now().Add(time.Hour), Active: true}
	assert.Error(t, db.Create(dup).Error)
}

func TestIncrementQuotaUsedStopsAtCeiling(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 2, 0, clk.Now().Add(time.Hour))

	got, err := store.IncrementQuotaUsed(ctx, sub.ID, 2, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.QuotaUsed)

	got, err = store.IncrementQuotaUsed(ctx, sub.ID, 2, "https://example.com/b")
	require.NoError(t, err)
	assert.Equal(t, 2, got.QuotaUsed)

	_, err = store.IncrementQuotaUsed(ctx, sub.ID, 2, "https://example.com/c")
	assert.ErrorIs(t, err, ledger.ErrQuotaExceeded)

	n, err := store.CountUsage(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, ledgertest.ReloadSubscription(t, db, sub.ID).QuotaUsed)
}

func TestIncrementQuotaUsedHonoursExpectedCeiling(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 10, 3, clk.Now().Add(time.Hour))

	_, err := store.IncrementQuotaUsed(context.Background(), sub.ID, 3, "x")
	assert.ErrorIs(t, err, ledger.ErrQuotaExceeded)
	assert.Equal(t, 3, ledgertest.ReloadSubscription(t, db, sub.ID).QuotaUsed)
}

func TestIncrementQuotaUsedRejectsLapsed(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now().Add(-time.Minute))

	_, err := store.IncrementQuotaUsed(context.Background(), sub.ID, 5, "x")
	assert.ErrorIs(t, err, ledger.ErrQuotaExceeded)

	n, err := store.CountUsage(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransitionPaymentStatus(t *testing.T) {
	store, db, _ := ledgertest.NewStore(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, db, 1)
	ledgertest.SeedPayment(t, db, u.ID, "pay-1", "1m", models.PaymentPending)

	res, err := store.TransitionPaymentStatus(ctx, "pay-1", models.PaymentPending, models.PaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, ledger.Transitioned, res)

	res, err = store.TransitionPaymentStatus(ctx, "pay-1", models.PaymentPending, models.PaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, ledger.AlreadyInState, res)

	_, err = store.TransitionPaymentStatus(ctx, "pay-1", models.PaymentSucceeded, models.PaymentFailed)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	res, err = store.TransitionPaymentStatus(ctx, "pay-1", models.PaymentSucceeded, models.PaymentRefunded)
	require.NoError(t, err)
	assert.Equal(t, ledger.Transitioned, res)

	_, err = store.TransitionPaymentStatus(ctx, "pay-1", models.PaymentRefunded, models.PaymentSucceeded)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	assert.Equal(t, models.PaymentRefunded, ledgertest.ReloadPayment(t, db, "pay-1").Status)

	_, err = store.TransitionPaymentStatus(ctx, "missing", models.PaymentPending, models.PaymentSucceeded)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRecordPaymentIsIdempotent(t *testing.T) {
	store, db, _ := ledgertest.NewStore(t)
	ctx := context.Background()
	u := ledgertest.SeedUser(t, db, 1)

	first, err := store.RecordPayment(ctx, &models.Payment{UserID: u.ID, GatewayID: "gw-1", Amount: 500_00, Plan: "1m"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, first.Status)

	second, err := store.RecordPayment(ctx, &models.Payment{UserID: u.ID, GatewayID: "gw-1", Amount: 1, Plan: "3m", Placeholder: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "1m", second.Plan)
	assert.False(t, second.Placeholder)
}

func TestChangeCeilingRejectsBelowUsed(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 3, clk.Now().Add(time.Hour))

	err := store.Atomically(context.Background(), func(tx *ledger.Tx) error {
		_, err := tx.ChangeCeiling(sub.ID, 2)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidCeiling)

	var updated *models.Subscription
	err = store.Atomically(context.Background(), func(tx *ledger.Tx) error {
		var err error
		updated, err = tx.ChangeCeiling(sub.ID, 3)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.QuotaLimit)
}

func TestAtomicallyRollsBack(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now().Add(time.Hour))

	boom := errors.New("boom")
	err := store.Atomically(context.Background(), func(tx *ledger.Tx) error {
		if _, err := tx.DeactivateSubscription(sub.ID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, ledgertest.ReloadSubscription(t, db, sub.ID).Active)
}

func TestAtomicallyTimeoutIsStorageUnavailable(t *testing.T) {
	store, _, _ := ledgertest.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Atomically(ctx, func(tx *ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestDeactivateLapsed(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	a := ledgertest.SeedUser(t, db, 1)
	b := ledgertest.SeedUser(t, db, 2)
	lapsed := ledgertest.SeedSubscription(t, db, a.ID, "1m", 5, 0, clk.Now().Add(-time.Hour))
	live := ledgertest.SeedSubscription(t, db, b.ID, "1m", 5, 0, clk.Now().Add(time.Hour))

	n, err := store.DeactivateLapsed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, ledgertest.ReloadSubscription(t, db, lapsed.ID).Active)
	assert.True(t, ledgertest.ReloadSubscription(t, db, live.ID).Active)
}

func TestStatsAndListings(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		ledgertest.SeedUser(t, db, i)
	}
	ledgertest.SeedSubscription(t, db, 1, "1m", 5, 2, clk.Now().Add(time.Hour))
	ledgertest.SeedSubscription(t, db, 2, "3m", 15, 15, clk.Now().Add(-time.Hour))
	ledgertest.SeedPayment(t, db, 1, "p-ok", "1m", models.PaymentSucceeded)
	ledgertest.SeedPayment(t, db, 2, "p-pending", "3m", models.PaymentPending)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalUsers)
	assert.Equal(t, int64(1), st.ActiveSubscriptions)
	assert.Equal(t, int64(2), st.QuotaUsed)
	assert.Equal(t, int64(3), st.QuotaAvailable)
	assert.Equal(t, int64(1), st.PaymentsToday)
	assert.Equal(t, int64(500_00), st.RevenueToday)

	rows, total, err := store.ListUsers(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, rows, 3)
	withSub := 0
	for _, r := range rows {
		if r.Subscription != nil {
			withSub++
		}
	}
	assert.Equal(t, 2, withSub)

	rows, total, err = store.ListUsers(ctx, "user2", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(2), rows[0].User.TelegramID)

	active, _, err := store.ListSubscriptions(ctx, ledger.FilterActive, 1, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "1m", active[0].Plan)
	assert.Equal(t, int64(1), active[0].User.TelegramID)

	expired, _, err := store.ListSubscriptions(ctx, ledger.FilterExpired, 1, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "3m", expired[0].Plan)

	detail, err := store.UserDetail(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, detail.Subscriptions, 1)
	assert.Len(t, detail.Payments, 1)
}

func TestClassifyDriverErrors(t *testing.T) {
	store, _, _ := ledgertest.NewStore(t)
	reset := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, ledger.ErrConflict},
		{"deadline", fmt.Errorf("insert: %w", context.DeadlineExceeded), ledger.ErrStorageUnavailable},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ledger.ErrStorageUnavailable},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ledger.ErrStorageUnavailable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, ledger.ErrStorageUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ledger.ErrStorageUnavailable},
		{"connection reset", fmt.Errorf("query: %w", reset), ledger.ErrStorageUnavailable},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), ledger.ErrStorageUnavailable},
		{"conn done", sql.ErrConnDone, ledger.ErrStorageUnavailable},
		{"closed pool", errors.New("sql: database is closed"), ledger.ErrStorageUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := store.Atomically(context.Background(), func(tx *ledger.Tx) error { return tc.err })
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClassifyLeavesCheckViolationUnmapped(t *testing.T) {
	store, _, _ := ledgertest.NewStore(t)

	err := store.Atomically(context.Background(), func(tx *ledger.Tx) error {
		return &pgconn.PgError{Code: "23514"}
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ledger.ErrConflict)
}

func TestClosedDatabaseIsStorageUnavailable(t *testing.T) {
	store, db, _ := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = store.GetActiveSubscription(context.Background(), u.ID)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)

	err = store.Atomically(context.Background(), func(tx *ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

func TestUsageRecordsReferenceSubscriptionAndUser(t *testing.T) {
	store, db, clk := ledgertest.NewStore(t)
	u := ledgertest.SeedUser(t, db, 1)
	sub := ledgertest.SeedSubscription(t, db, u.ID, "1m", 5, 0, clk.Now().Add(time.Hour))

	_, err := store.IncrementQuotaUsed(context.Background(), sub.ID, 5, "https://example.com")
	require.NoError(t, err)

	assert.Error(t, db.Create(&models.UsageRecord{SubscriptionID: sub.ID + 100, UserID: u.ID}).Error)
	assert.Error(t, db.Create(&models.UsageRecord{SubscriptionID: sub.ID, UserID: u.ID + 100}).Error)
}
