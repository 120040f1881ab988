package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkquota-bot/internal/admin"
	"linkquota-bot/internal/clock"
	"linkquota-bot/internal/config"
	"linkquota-bot/internal/ledger/ledgertest"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/utils"
)

type testEnv struct {
	engine *gin.Engine
	mr     *miniredis.Miniredis
	queue  *payment.Queue
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	allowed, err := utils.NewAllowlist([]string{"185.71.76.0/27"})
	require.NoError(t, err)

	clk := clock.NewFake(ledgertest.Epoch)
	queue := payment.NewQueue(rdb)
	m := metrics.New()

	engine, err := NewEngine(Params{
		Config:  cfg,
		Log:     zap.NewNop(),
		Metrics: m,
		Webhook: payment.NewWebhookHandler(queue, allowed, clk, m, zap.NewNop()),
		Admin:   admin.NewHandler(nil, admin.NewAuthenticator("ops", "", "", time.Hour, clk), zap.NewNop()),
		DB:      ledgertest.NewDB(t),
		Redis:   rdb,
	})
	require.NoError(t, err)
	return &testEnv{engine: engine, mr: mr, queue: queue}
}

func (e *testEnv) request(method, path, remote, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote + ":5555"
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

const notification = `{"type":"notification","event":"payment.succeeded","object":{"id":"gw-1","status":"succeeded","paid":true,"amount":{"value":"299.00","currency":"RUB"},"metadata":{"user_id":"1","plan_key":"1m"}}}`

func TestWebhookRouteQueuesDurably(t *testing.T) {
	e := newTestEnv(t, &config.Config{})

	w := e.request(http.MethodPost, "/webhooks/yookassa", "185.71.76.3", notification)
	require.Equal(t, http.StatusOK, w.Code)

	n, err := e.queue.Len(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	w = e.request(http.MethodPost, "/webhooks/yookassa", "8.8.8.8", notification)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestForwardedForIgnoredWithoutTrustedProxies(t *testing.T) {
	e := newTestEnv(t, &config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(notification))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "185.71.76.3")
	req.RemoteAddr = "8.8.8.8:5555"
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, &config.Config{})

	w := e.request(http.MethodGet, "/healthz", "127.0.0.1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	e.mr.Close()
	w = e.request(http.MethodGet, "/healthz", "127.0.0.1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, &config.Config{})
	e.request(http.MethodPost, "/webhooks/yookassa", "185.71.76.3", notification)

	w := e.request(http.MethodGet, "/metrics", "127.0.0.1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "payment_webhook_events_total")
}

func TestAdminRequiresToken(t *testing.T) {
	e := newTestEnv(t, &config.Config{})

	w := e.request(http.MethodGet, "/admin/api/stats", "127.0.0.1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInvalidTrustedProxies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, err := NewEngine(Params{Config: &config.Config{TrustedProxies: []string{"not-an-ip"}}})
	assert.Error(t, err)
}
