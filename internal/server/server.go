package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"linkquota-bot/internal/admin"
	"linkquota-bot/internal/config"
	"linkquota-bot/internal/logger"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/payment"
)

const healthTimeout = 2 * time.Second

type Params struct {
	fx.In

	Config  *config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Webhook *payment.WebhookHandler
	Admin   *admin.Handler
	DB      *gorm.DB
	Redis   *redis.Client
}

// NewEngine assembles the HTTP surface: the payment webhook, health and
// metrics endpoints, and the admin API.
func NewEngine(p Params) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(p.Config.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(p.Log))

	r.GET("/healthz", health(p.DB, p.Redis))
	r.GET("/metrics", gin.WrapH(p.Metrics.Handler()))
	r.POST("/webhooks/yookassa", p.Webhook.Handle)
	p.Admin.Register(r)

	return r, nil
}

func health(db *gorm.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		checks := gin.H{"database": "ok", "redis": "ok"}
		healthy := true
		if err := pingDB(ctx, db); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Run binds the engine to HTTP_ADDR for the lifetime of the fx app.
func Run(lc fx.Lifecycle, cfg *config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
