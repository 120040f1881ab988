package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"linkquota-bot/internal/access"
	"linkquota-bot/internal/admin"
	"linkquota-bot/internal/bot"
	"linkquota-bot/internal/clock"
	"linkquota-bot/internal/config"
	"linkquota-bot/internal/database"
	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/logger"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/plans"
	"linkquota-bot/internal/quota"
	"linkquota-bot/internal/server"
	"linkquota-bot/internal/subscription"
	"linkquota-bot/internal/utils"
	"linkquota-bot/internal/worker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		os.Exit(hashPassword(os.Args[2:]))
	}

	fx.New(
		fx.Provide(
			config.LoadConfig,
			logger.New,
			database.ConnectPostgres,
			database.ConnectRedis,
			func() clock.Clock { return clock.Real{} },
			func(cfg *config.Config) *plans.Catalog { return plans.NewCatalog(cfg.AdminGrantQuota) },
			func(db *gorm.DB, clk clock.Clock, cfg *config.Config) *ledger.Store {
				return ledger.NewStore(db, clk, cfg.StoreTimeout)
			},
			metrics.New,
			func(store *ledger.Store, m *metrics.Metrics, log *zap.Logger) *quota.Guard {
				return quota.NewGuard(store, m, log)
			},
			func(store *ledger.Store, catalog *plans.Catalog, cfg *config.Config, log *zap.Logger) *subscription.Manager {
				return subscription.NewManager(store, catalog, subscription.Config{RenewalResetsUsage: cfg.RenewalResetsUsage}, log)
			},
			func(store *ledger.Store, mgr *subscription.Manager, catalog *plans.Catalog, m *metrics.Metrics, log *zap.Logger) *payment.Reconciler {
				return payment.NewReconciler(store, mgr, catalog, m, log)
			},
			func(cfg *config.Config) payment.Gateway {
				return payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey)
			},
			access.New,
			payment.NewQueue,
			func(cfg *config.Config) (*utils.Allowlist, error) { return utils.NewAllowlist(cfg.AllowedYooIP) },
			func(q *payment.Queue, allowed *utils.Allowlist, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *payment.WebhookHandler {
				return payment.NewWebhookHandler(q, allowed, clk, m, log)
			},
			func(cfg *config.Config, clk clock.Clock) *admin.Authenticator {
				return admin.NewAuthenticator(cfg.AdminUsername, cfg.AdminPasswordHash, cfg.JWTSecret, cfg.JWTTTL, clk)
			},
			func(f *access.Facade, auth *admin.Authenticator, log *zap.Logger) *admin.Handler {
				return admin.NewHandler(f, auth, log)
			},
			server.NewEngine,
			func(cfg *config.Config, f *access.Facade, catalog *plans.Catalog, m *metrics.Metrics, log *zap.Logger) (*bot.Bot, error) {
				return bot.NewBot(cfg, f, catalog, m, log)
			},
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(closeStores, server.Run, runBot, runWorkers),
	).Run()
}

func runBot(lc fx.Lifecycle, b *bot.Bot) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return b.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			b.Stop()
			return nil
		},
	})
}

func runWorkers(lc fx.Lifecycle, cfg *config.Config, f *access.Facade, q *payment.Queue, rdb *redis.Client, b *bot.Bot, clk clock.Clock, log *zap.Logger) {
	consumer := worker.NewConsumer(q, f, b, log)
	checker := worker.NewChecker(f, rdb, b, clk, cfg.CheckInterval, log)
	poller := worker.NewPoller(f, b, cfg.PaymentPollInterval, cfg.PaymentPollMaxAge, log)

	var workers worker.Group
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			workers.Start(consumer.Run, checker.Run, poller.Run)
			return nil
		},
		OnStop: workers.Stop,
	})
}

func closeStores(lc fx.Lifecycle, db *gorm.DB, rdb *redis.Client, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if err := rdb.Close(); err != nil {
				log.Warn("failed to close redis", zap.Error(err))
			}
			if err := database.ClosePostgres(db); err != nil {
				log.Warn("failed to close postgres", zap.Error(err))
			}
			_ = log.Sync()
			return nil
		},
	})
}

func hashPassword(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: bot hash-password <password>")
		return 2
	}
	hash, err := admin.HashPassword(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
