package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"linkquota-bot/internal/access"
	"linkquota-bot/internal/clock"
	"linkquota-bot/internal/config"
	"linkquota-bot/internal/ledger/ledgertest"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/plans"
	"linkquota-bot/internal/quota"
	"linkquota-bot/internal/subscription"
)

type stubGateway struct {
	statuses map[string]string
}

func (g *stubGateway) CreatePayment(context.Context, string, string, string, string, map[string]string) (*payment.PaymentResponse, error) {
	return nil, errors.New("not used")
}

func (g *stubGateway) GetPayment(_ context.Context, id string) (*payment.PaymentResponse, error) {
	status, ok := g.statuses[id]
	if !ok {
		return nil, errors.New("payment not found")
	}
	return &payment.PaymentResponse{ID: id, Status: status}, nil
}

type notice struct {
	kind   string
	chatID int64
	subID  uint
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
	fail    bool
}

func (n *recordingNotifier) record(kind string, chatID int64, sub *models.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("telegram unavailable")
	}
	n.notices = append(n.notices, notice{kind: kind, chatID: chatID, subID: sub.ID})
	return nil
}

func (n *recordingNotifier) NotifyActivated(_ context.Context, chatID int64, sub *models.Subscription) error {
	return n.record("activated", chatID, sub)
}

func (n *recordingNotifier) NotifyExpiring(_ context.Context, chatID int64, sub *models.Subscription) error {
	return n.record("expiring", chatID, sub)
}

func (n *recordingNotifier) all() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}

type env struct {
	facade   *access.Facade
	db       *gorm.DB
	clk      *clock.Fake
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	queue    *payment.Queue
	gateway  *stubGateway
	notifier *recordingNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, db, clk := ledgertest.NewStore(t)
	catalog := plans.NewCatalog(50)
	mgr := subscription.NewManager(store, catalog, subscription.Config{}, zap.NewNop())
	gw := &stubGateway{statuses: map[string]string{}}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	facade := access.New(access.Params{
		Config:     &config.Config{},
		Store:      store,
		Guard:      quota.NewGuard(store, nil, zap.NewNop()),
		Lifecycle:  mgr,
		Reconciler: payment.NewReconciler(store, mgr, catalog, nil, zap.NewNop()),
		Gateway:    gw,
		Catalog:    catalog,
		Log:        zap.NewNop(),
	})
	return &env{
		facade:   facade,
		db:       db,
		clk:      clk,
		mr:       mr,
		rdb:      rdb,
		queue:    payment.NewQueue(rdb),
		gateway:  gw,
		notifier: &recordingNotifier{},
	}
}
