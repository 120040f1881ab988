package bot

import (
	"fmt"
	"html"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"linkquota-bot/internal/access"
	"linkquota-bot/internal/ledger"
	"linkquota-bot/internal/models"
	"linkquota-bot/internal/payment"
	"linkquota-bot/internal/plans"
)

const dateLayout = "02.01.2006"

const (
	btnSubscription = "📊 Моя подписка"
	btnBuy          = "💳 Купить подписку"
	btnHelp         = "📖 Помощь"
)

const (
	textTemporaryError  = "⚠️ Сервис временно недоступен. Попробуйте чуть позже."
	textPaymentError    = "❌ Ошибка при создании платежа."
	textUnknownPlan     = "❌ Такого тарифа нет."
	textPaymentNotFound = "Платёж не найден"
	textSendLink        = "Пришлите ссылку, и я её обработаю. Каждая ссылка расходует один запрос из вашей подписки."
	textHelp            = "📖 <b>Как это работает</b>\n\n" +
		"1. Выберите тариф через «Купить подписку».\n" +
		"2. После оплаты подписка активируется автоматически.\n" +
		"3. Отправляйте ссылки в чат: каждая расходует один запрос.\n" +
		"4. Остаток запросов и срок действия видны в «Моя подписка»."
)

func mainMenu() *telego.ReplyKeyboardMarkup {
	return tu.Keyboard(
		tu.KeyboardRow(
			tu.KeyboardButton(btnSubscription),
			tu.KeyboardButton(btnBuy),
		),
		tu.KeyboardRow(
			tu.KeyboardButton(btnHelp),
		),
	).WithResizeKeyboard()
}

func welcomeText(name string) string {
	return fmt.Sprintf("Привет, %s! 👋\n\nОтправьте ссылку, чтобы обработать её. Для работы нужна активная подписка.", html.EscapeString(name))
}

func plansText(list []plans.Plan) string {
	var sb strings.Builder
	sb.WriteString("📋 <b>Тарифы</b>\n")
	for _, p := range list {
		fmt.Fprintf(&sb, "\n• %s: %d запросов, %s₽", p.Name, p.Quota, p.PriceString())
	}
	return sb.String()
}

func plansKeyboard(list []plans.Plan) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(list))
	for _, p := range list {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(fmt.Sprintf("%s · %s₽", p.Name, p.PriceString())).WithCallbackData(buyPrefix+p.Key),
		))
	}
	return tu.InlineKeyboard(rows...)
}

func checkoutText(co *access.Checkout) string {
	return fmt.Sprintf("💳 Тариф «%s» за %s₽.\n\nОплатите по кнопке ниже. Подписка активируется сразу после оплаты.",
		co.Plan.Name, co.Plan.PriceString())
}

func checkoutKeyboard(co *access.Checkout) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("💳 Оплатить").WithURL(co.ConfirmationURL),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔄 Проверить оплату").WithCallbackData(checkPrefix+co.GatewayID),
		),
	)
}

func summaryText(s access.Summary) string {
	if !s.Active {
		return "❌ У вас нет активной подписки.\n\nОформить: /buy"
	}
	name := s.PlanName
	if name == "" {
		name = s.Plan
	}
	return fmt.Sprintf("📊 <b>Ваша подписка</b>\n\n🔹 Тариф: %s\n🔹 Действует до: %s\n🔹 Осталось запросов: %d из %d",
		html.EscapeString(name), s.EndDate.Format(dateLayout), s.Remaining, s.Total)
}

func accessText(r access.AccessResult) string {
	if !r.Allowed {
		if r.Total > 0 {
			return fmt.Sprintf("⛔ Лимит исчерпан: использовано %d из %d. Продлите подписку: /buy", r.Total, r.Total)
		}
		return "⛔ Нет активной подписки. Оформить: /buy"
	}
	return fmt.Sprintf("✅ Ссылка принята. Осталось запросов: %d из %d", r.Remaining, r.Total)
}

func paymentStatusText(r payment.Result) string {
	switch r.Outcome {
	case payment.Activated, payment.Duplicate:
		return "✅ Оплата получена"
	case payment.Unchanged:
		return "⏳ Оплата ещё не поступила"
	case payment.Revoked:
		return "↩️ Платёж возвращён"
	case payment.StatusUpdated:
		if r.Payment != nil && r.Payment.Status == models.PaymentRefunded {
			return "↩️ Платёж возвращён"
		}
		return "❌ Платёж не прошёл"
	default:
		return "Статус платежа не изменился"
	}
}

func activatedText(sub *models.Subscription, planName string) string {
	return fmt.Sprintf("✅ Подписка активирована!\n\n🔹 Тариф: %s\n📅 Действует до: %s\n🔹 Доступно запросов: %d",
		html.EscapeString(planName), sub.EndDate.Format(dateLayout), sub.Remaining())
}

func expiringText(sub *models.Subscription) string {
	return fmt.Sprintf("⚠️ Ваша подписка заканчивается %s. Осталось запросов: %d.\n\nПродлите её, чтобы не потерять доступ.",
		sub.EndDate.Format("02.01.2006 15:04 MST"), sub.Remaining())
}

func statsText(st *ledger.Stats) string {
	return fmt.Sprintf("📈 <b>Статистика</b>\n\n"+
		"👥 Пользователей: %d\n"+
		"✅ Активных подписок: %d\n"+
		"💰 Платежей сегодня: %d на %s₽\n"+
		"🔗 Запросов использовано: %d, доступно: %d\n"+
		"🧾 Всего обработано ссылок: %d",
		st.TotalUsers, st.ActiveSubscriptions, st.PaymentsToday, payment.FormatAmount(st.RevenueToday),
		st.QuotaUsed, st.QuotaAvailable, st.UsageRecords)
}
