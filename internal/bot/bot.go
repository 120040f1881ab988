package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"linkquota-bot/internal/access"
	"linkquota-bot/internal/config"
	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/metrics"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/plans"
)

const (
	buyPrefix   = "buy:"
	checkPrefix = "check:"
)

// Service is the part of the access facade the chat layer needs.
type Service interface {
	RegisterUser(ctx context.Context, p access.Profile) (*models.User, error)
	ConsumeOneUnit(ctx context.Context, telegramID int64, payload string) (access.AccessResult, error)
	GetSubscriptionSummary(ctx context.Context, telegramID int64) (access.Summary, error)
	Plans() []plans.Plan
	StartCheckout(ctx context.Context, telegramID int64, planKey string) (*access.Checkout, error)
	CheckPayment(ctx context.Context, telegramID int64, gatewayID string) (payment.Result, error)
	Stats(ctx context.Context) (*ledger.Stats, error)
}

type Bot struct {
	Instance *telego.Bot
	svc      Service
	cfg      *config.Config
	catalog  *plans.Catalog
	metrics  *metrics.Metrics
	log      *zap.Logger
	cancel   context.CancelFunc
}

func NewBot(cfg *config.Config, svc Service, catalog *plans.Catalog, m *metrics.Metrics, log *zap.Logger) (*Bot, error) {
	tgBot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance: tgBot,
		svc:      svc,
		cfg:      cfg,
		catalog:  catalog,
		metrics:  m,
		log:      log.Named("bot"),
	}, nil
}

// Start begins long polling and dispatches updates until Stop.
func (b *Bot) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed to create bot handler: %w", err)
	}

	handler.Handle(b.handleStart, th.CommandEqual("start"))
	handler.Handle(b.handleSubscription, th.CommandEqual("subscription"))
	handler.Handle(b.handleSubscription, th.TextEqual(btnSubscription))
	handler.Handle(b.handleBuy, th.CommandEqual("buy"))
	handler.Handle(b.handleBuy, th.TextEqual(btnBuy))
	handler.Handle(b.handleStats, th.CommandEqual("stats"))
	handler.Handle(b.handleHelp, th.CommandEqual("help"))
	handler.Handle(b.handleHelp, th.TextEqual(btnHelp))
	handler.Handle(b.handlePlanChosen, th.CallbackDataPrefix(buyPrefix))
	handler.Handle(b.handleCheckPayment, th.CallbackDataPrefix(checkPrefix))
	handler.Handle(b.handleText, th.AnyMessageWithText())

	go func() {
		if err := handler.Start(); err != nil {
			b.log.Error("bot handler stopped", zap.Error(err))
		}
	}()
	b.log.Info("bot started")
	return nil
}

// Stop ends long polling; the handler drains once the update channel closes.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func profileOf(u *telego.User) access.Profile {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return access.Profile{TelegramID: u.ID, Username: u.Username, FullName: name}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) {
	if _, err := b.Instance.SendMessage(ctx, tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML)); err != nil {
		b.log.Warn("failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (b *Bot) handleStart(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	u, err := b.svc.RegisterUser(ctx.Context(), profileOf(message.From))
	if err != nil {
		b.log.Error("failed to register user", zap.Int64("telegram_id", message.From.ID), zap.Error(err))
		b.send(ctx.Context(), message.Chat.ID, textTemporaryError)
		return nil
	}

	_, err = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(message.Chat.ID),
		welcomeText(u.DisplayName()),
	).WithParseMode(telego.ModeHTML).WithReplyMarkup(mainMenu()))
	if err != nil {
		b.log.Warn("failed to send welcome", zap.Error(err))
	}
	return nil
}

func (b *Bot) handleSubscription(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	sum, err := b.svc.GetSubscriptionSummary(ctx.Context(), message.From.ID)
	if err != nil {
		b.log.Error("failed to load subscription", zap.Int64("telegram_id", message.From.ID), zap.Error(err))
		b.send(ctx.Context(), message.Chat.ID, textTemporaryError)
		return nil
	}
	b.send(ctx.Context(), message.Chat.ID, summaryText(sum))
	return nil
}

func (b *Bot) handleBuy(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	if _, err := b.svc.RegisterUser(ctx.Context(), profileOf(message.From)); err != nil {
		b.log.Error("failed to register user", zap.Int64("telegram_id", message.From.ID), zap.Error(err))
		b.send(ctx.Context(), message.Chat.ID, textTemporaryError)
		return nil
	}

	_, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(message.Chat.ID),
		plansText(b.svc.Plans()),
	).WithParseMode(telego.ModeHTML).WithReplyMarkup(plansKeyboard(b.svc.Plans())))
	if err != nil {
		b.log.Warn("failed to send plans", zap.Error(err))
	}
	return nil
}

func (b *Bot) handlePlanChosen(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	planKey := strings.TrimPrefix(callback.Data, buyPrefix)
	defer func() { _ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID)) }()

	co, err := b.svc.StartCheckout(ctx.Context(), callback.From.ID, planKey)
	if errors.Is(err, plans.ErrUnknownPlan) {
		b.send(ctx.Context(), callback.From.ID, textUnknownPlan)
		return nil
	}
	if err != nil {
		b.log.Error("failed to start checkout", zap.Int64("telegram_id", callback.From.ID), zap.String("plan", planKey), zap.Error(err))
		b.send(ctx.Context(), callback.From.ID, textPaymentError)
		return nil
	}

	_, err = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
		tu.ID(callback.From.ID),
		checkoutText(co),
	).WithParseMode(telego.ModeHTML).WithReplyMarkup(checkoutKeyboard(co)))
	if err != nil {
		b.log.Warn("failed to send checkout", zap.Error(err))
	}
	return nil
}

func (b *Bot) handleCheckPayment(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	gatewayID := strings.TrimPrefix(callback.Data, checkPrefix)

	res, err := b.svc.CheckPayment(ctx.Context(), callback.From.ID, gatewayID)
	if err != nil {
		b.log.Warn("failed to check payment", zap.Int64("telegram_id", callback.From.ID), zap.String("gateway_id", gatewayID), zap.Error(err))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText(textPaymentNotFound))
		return nil
	}
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText(paymentStatusText(res)))

	if res.Outcome == payment.Activated && res.Subscription != nil {
		b.send(ctx.Context(), callback.From.ID, activatedText(res.Subscription, b.planName(res.Subscription.Plan)))
	}
	return nil
}

func (b *Bot) handleStats(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	if !b.cfg.IsAdmin(message.From.ID) {
		return nil
	}
	st, err := b.svc.Stats(ctx.Context())
	if err != nil {
		b.log.Error("failed to load stats", zap.Error(err))
		b.send(ctx.Context(), message.Chat.ID, textTemporaryError)
		return nil
	}
	b.send(ctx.Context(), message.Chat.ID, statsText(st))
	return nil
}

func (b *Bot) handleHelp(ctx *th.Context, update telego.Update) error {
	b.send(ctx.Context(), update.Message.Chat.ID, textHelp)
	return nil
}

// handleText spends one unit per message that carries a link.
func (b *Bot) handleText(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}
	link := ExtractLink(message.Text)
	if link == "" {
		b.send(ctx.Context(), message.Chat.ID, textSendLink)
		return nil
	}

	res, err := b.svc.ConsumeOneUnit(ctx.Context(), message.From.ID, link)
	if err != nil {
		b.log.Error("failed to consume quota", zap.Int64("telegram_id", message.From.ID), zap.Error(err))
		b.send(ctx.Context(), message.Chat.ID, textTemporaryError)
		return nil
	}
	b.send(ctx.Context(), message.Chat.ID, accessText(res))
	return nil
}

func (b *Bot) planName(key string) string {
	if p, err := b.catalog.Lookup(key); err == nil {
		return p.Name
	}
	return key
}

// NotifyActivated tells the user a payment has been applied.
func (b *Bot) NotifyActivated(ctx context.Context, chatID int64, sub *models.Subscription) error {
	_, err := b.Instance.SendMessage(ctx, tu.Message(tu.ID(chatID), activatedText(sub, b.planName(sub.Plan))).WithParseMode(telego.ModeHTML))
	if err != nil {
		return fmt.Errorf("failed to send activation notice: %w", err)
	}
	b.metrics.Notified("activated")
	return nil
}

// NotifyExpiring warns the user that the subscription ends soon.
func (b *Bot) NotifyExpiring(ctx context.Context, chatID int64, sub *models.Subscription) error {
	_, err := b.Instance.SendMessage(ctx, tu.Message(tu.ID(chatID), expiringText(sub)).
		WithParseMode(telego.ModeHTML).
		WithReplyMarkup(plansKeyboard(b.svc.Plans())))
	if err != nil {
		return fmt.Errorf("failed to send expiry notice: %w", err)
	}
	b.metrics.Notified("expiring")
	return nil
}
