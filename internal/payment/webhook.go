package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"linkquota-bot/internal/clock"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/utils"
)

type Enqueuer interface {
	Push(ctx context.Context, ev Event) error
}

// WebhookHandler accepts gateway notifications. It only answers 200 once the
// event is in the queue; reconciliation happens in the consumer.
type WebhookHandler struct {
	queue   Enqueuer
	allowed *utils.Allowlist
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewWebhookHandler(queue Enqueuer, allowed *utils.Allowlist, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		queue:   queue,
		allowed: allowed,
		clock:   clk,
		metrics: m,
		log:     log.Named("payment.webhook"),
	}
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	ip := c.ClientIP()
	if !h.allowed.Contains(ip) {
		h.log.Warn("webhook from disallowed address", zap.String("ip", ip))
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	var notification WebhookNotification
	if err := c.ShouldBindJSON(&notification); err != nil {
		h.log.Warn("failed to decode webhook", zap.Error(err))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	h.metrics.WebhookEvent(notification.Event)

	ev, err := EventFromNotification(notification, h.clock.Now())
	if errors.Is(err, ErrUnknownEvent) {
		h.log.Info("ignored webhook event", zap.String("event", notification.Event), zap.String("object_id", notification.Object.ID))
		c.Status(http.StatusOK)
		return
	}
	if err != nil {
		h.log.Warn("invalid webhook payload", zap.String("event", notification.Event), zap.Error(err))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	if err := h.queue.Push(c.Request.Context(), ev); err != nil {
		h.log.Error("failed to enqueue webhook", zap.String("gateway_id", ev.GatewayID), zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	h.log.Debug("webhook queued", zap.String("event", ev.EventType), zap.String("gateway_id", ev.GatewayID))
	c.Status(http.StatusOK)
}
