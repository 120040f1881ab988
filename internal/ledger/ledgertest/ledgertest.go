// Package ledgertest opens migrated in-memory databases for tests.
package ledgertest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"linkquota-bot/internal/clock"
	"linkquota-bot/internal/database"
	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/models"
)

var dbSeq atomic.Int64

// Epoch is the default fake-clock start used across tests.
var Epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// NewDB returns a fresh migrated database. It has a single connection, so
// writers queue behind each other the way row locks serialize them on Postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// NewStore returns a store over a fresh database and the fake clock driving it.
func NewStore(t testing.TB) (*ledger.Store, *gorm.DB, *clock.Fake) {
	t.Helper()
	db := NewDB(t)
	clk := clock.NewFake(Epoch)
	return ledger.NewStore(db, clk, 5*time.Second), db, clk
}

func SeedUser(t testing.TB, db *gorm.DB, telegramID int64) *models.User {
	t.Helper()
	u := &models.User{TelegramID: telegramID, Username: fmt.Sprintf("user%d", telegramID), CreatedAt: Epoch, UpdatedAt: Epoch}
	require.NoError(t, db.Create(u).Error)
	return u
}

// SeedSubscription inserts an active subscription without going through the store.
func SeedSubscription(t testing.TB, db *gorm.DB, userID uint, plan string, limit, used int, end time.Time) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		UserID:     userID,
		Plan:       plan,
		QuotaLimit: limit,
		QuotaUsed:  used,
		StartDate:  Epoch,
		EndDate:    end.UTC(),
		Active:     true,
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func SeedPayment(t testing.TB, db *gorm.DB, userID uint, gatewayID, plan string, status models.PaymentStatus) *models.Payment {
	t.Helper()
	p := &models.Payment{
		UserID:    userID,
		GatewayID: gatewayID,
		Amount:    500_00,
		Currency:  "RUB",
		Plan:      plan,
		Status:    status,
		CreatedAt: Epoch,
		UpdatedAt: Epoch,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func ActiveCount(t testing.TB, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Subscription{}).Where("user_id = ? AND active = ?", userID, true).Count(&n).Error)
	return n
}

func ReloadSubscription(t testing.TB, db *gorm.DB, id uint) models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, db.First(&sub, id).Error)
	return sub
}

func ReloadPayment(t testing.TB, db *gorm.DB, gatewayID string) models.Payment {
	t.Helper()
	var p models.Payment
	require.NoError(t, db.Where("gateway_id = ?", gatewayID).First(&p).Error)
	return p
}
