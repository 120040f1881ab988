package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/models"
)

// Service is the admin slice of the access facade.
type Service interface {
	ListUsers(ctx context.Context, search string, page, limit int) ([]ledger.UserRow, int64, error)
	UserDetail(ctx context.Context, userID uint) (*ledger.UserDetail, error)
	ListSubscriptions(ctx context.Context, filter ledger.SubscriptionFilter, page, limit int) ([]models.Subscription, int64, error)
	Stats(ctx context.Context) (*ledger.Stats, error)
	AdminExtend(ctx context.Context, userID uint, days int) (*models.Subscription, error)
	AdminCancel(ctx context.Context, subscriptionID uint) error
	AdminResetUsage(ctx context.Context, subscriptionID uint) (*models.Subscription, error)
	AdminChangeCeiling(ctx context.Context, subscriptionID uint, ceiling int) (*models.Subscription, error)
}

type Handler struct {
	svc  Service
	auth *Authenticator
	log  *zap.Logger
}

func NewHandler(svc Service, auth *Authenticator, log *zap.Logger) *Handler {
	return &Handler{svc: svc, auth: auth, log: log.Named("admin")}
}

// Register mounts /admin/login and the token-protected /admin/api group.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/admin")
	g.POST("/login", h.login)

	api := g.Group("/api", h.auth.Middleware())
	api.GET("/stats", h.stats)
	api.GET("/users", h.listUsers)
	api.GET("/users/:id", h.userDetail)
	api.POST("/users/:id/extend", h.extend)
	api.GET("/subscriptions", h.listSubscriptions)
	api.POST("/subscriptions/:id/cancel", h.cancel)
	api.POST("/subscriptions/:id/reset-usage", h.resetUsage)
	api.POST("/subscriptions/:id/ceiling", h.changeCeiling)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type extendRequest struct {
	Days int `json:"days" binding:"required,min=1,max=3650"`
}

type ceilingRequest struct {
	Ceiling *int `json:"ceiling" binding:"required,min=0"`
}

type subscriptionView struct {
	ID         uint      `json:"id"`
	UserID     uint      `json:"user_id"`
	TelegramID int64     `json:"telegram_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	Plan       string    `json:"plan"`
	QuotaLimit int       `json:"quota_limit"`
	QuotaUsed  int       `json:"quota_used"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	Active     bool      `json:"active"`
}

type userView struct {
	ID           uint              `json:"id"`
	TelegramID   int64             `json:"telegram_id"`
	Username     string            `json:"username"`
	FullName     string            `json:"full_name"`
	IsAdmin      bool              `json:"is_admin"`
	CreatedAt    time.Time         `json:"created_at"`
	Subscription *subscriptionView `json:"subscription,omitempty"`
}

type paymentView struct {
	ID             uint      `json:"id"`
	GatewayID      string    `json:"gateway_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Plan           string    `json:"plan"`
	Status         string    `json:"status"`
	SubscriptionID *uint     `json:"subscription_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toSubscriptionView(s models.Subscription) subscriptionView {
	return subscriptionView{
		ID:         s.ID,
		UserID:     s.UserID,
		TelegramID: s.User.TelegramID,
		Username:   s.User.Username,
		Plan:       s.Plan,
		QuotaLimit: s.QuotaLimit,
		QuotaUsed:  s.QuotaUsed,
		StartDate:  s.StartDate,
		EndDate:    s.EndDate,
		Active:     s.Active,
	}
}

func toUserView(u models.User, sub *models.Subscription) userView {
	v := userView{
		ID:         u.ID,
		TelegramID: u.TelegramID,
		Username:   u.Username,
		FullName:   u.FullName,
		IsAdmin:    u.IsAdmin,
		CreatedAt:  u.CreatedAt,
	}
	if sub != nil {
		sv := toSubscriptionView(*sub)
		v.Subscription = &sv
	}
	return v
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "username and password required")
		return
	}

	token, expires, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		h.log.Warn("admin login failed", zap.String("username", req.Username), zap.String("ip", c.ClientIP()), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid credentials"})
		return
	}
	h.log.Info("admin logged in", zap.String("username", req.Username), zap.String("ip", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "expires_at": expires})
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": st})
}

func (h *Handler) listUsers(c *gin.Context) {
	page, limit := paging(c)
	rows, total, err := h.svc.ListUsers(c.Request.Context(), c.Query("search"), page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	users := make([]userView, len(rows))
	for i, r := range rows {
		users[i] = toUserView(r.User, r.Subscription)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users, "total": total, "page": page, "limit": limit})
}

func (h *Handler) userDetail(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	d, err := h.svc.UserDetail(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	subs := make([]subscriptionView, len(d.Subscriptions))
	for i, s := range d.Subscriptions {
		subs[i] = toSubscriptionView(s)
	}
	payments := make([]paymentView, len(d.Payments))
	for i, p := range d.Payments {
		payments[i] = paymentView{
			ID:             p.ID,
			GatewayID:      p.GatewayID,
			Amount:         p.Amount,
			Currency:       p.Currency,
			Plan:           p.Plan,
			Status:         string(p.Status),
			SubscriptionID: p.SubscriptionID,
			CreatedAt:      p.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"user":          toUserView(d.User, nil),
		"subscriptions": subs,
		"payments":      payments,
		"usage_count":   d.UsageCount,
	})
}

func (h *Handler) listSubscriptions(c *gin.Context) {
	filter := ledger.SubscriptionFilter(c.DefaultQuery("status", string(ledger.FilterAll)))
	switch filter {
	case ledger.FilterAll, ledger.FilterActive, ledger.FilterExpired:
	default:
		badRequest(c, "status must be all, active or expired")
		return
	}

	page, limit := paging(c)
	subs, total, err := h.svc.ListSubscriptions(c.Request.Context(), filter, page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]subscriptionView, len(subs))
	for i, s := range subs {
		views[i] = toSubscriptionView(s)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscriptions": views, "total": total, "page": page, "limit": limit})
}

func (h *Handler) extend(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "days must be between 1 and 3650")
		return
	}

	sub, err := h.svc.AdminExtend(c.Request.Context(), id, req.Days)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("admin extend", zap.String("admin", c.GetString("admin")), zap.Uint("user_id", id), zap.Int("days", req.Days))
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": toSubscriptionView(*sub)})
}

func (h *Handler) cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.AdminCancel(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("admin cancel", zap.String("admin", c.GetString("admin")), zap.Uint("subscription_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) resetUsage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sub, err := h.svc.AdminResetUsage(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("admin reset usage", zap.String("admin", c.GetString("admin")), zap.Uint("subscription_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": toSubscriptionView(*sub)})
}

func (h *Handler) changeCeiling(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ceilingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ceiling must be a non-negative integer")
		return
	}

	sub, err := h.svc.AdminChangeCeiling(c.Request.Context(), id, *req.Ceiling)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("admin change ceiling", zap.String("admin", c.GetString("admin")), zap.Uint("subscription_id", id), zap.Int("ceiling", *req.Ceiling))
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": toSubscriptionView(*sub)})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	case errors.Is(err, ledger.ErrInvalidCeiling):
		badRequest(c, "ceiling below used quota")
	default:
		h.log.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func paging(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
