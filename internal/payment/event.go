package payment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnknownEvent    = errors.New("unknown payment event")
	ErrMissingMetadata = errors.New("payment metadata incomplete")
)

// Status is the payment state reported by the gateway.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Metadata is what checkout attaches to a gateway payment.
type Metadata struct {
	UserID     uint   `json:"user_id,omitempty"`
	TelegramID int64  `json:"telegram_id,omitempty"`
	PlanKey    string `json:"plan_key,omitempty"`
}

func (m Metadata) Map() map[string]string {
	out := map[string]string{"plan_key": m.PlanKey}
	if m.UserID != 0 {
		out["user_id"] = strconv.FormatUint(uint64(m.UserID), 10)
	}
	if m.TelegramID != 0 {
		out["telegram_id"] = strconv.FormatInt(m.TelegramID, 10)
	}
	return out
}

func MetadataFromMap(raw map[string]string) Metadata {
	var m Metadata
	if v, err := strconv.ParseUint(strings.TrimSpace(raw["user_id"]), 10, 64); err == nil {
		m.UserID = uint(v)
	}
	if v, err := strconv.ParseInt(strings.TrimSpace(raw["telegram_id"]), 10, 64); err == nil {
		m.TelegramID = v
	}
	m.PlanKey = strings.TrimSpace(raw["plan_key"])
	return m
}

// Event is a gateway status report as queued for reconciliation.
type Event struct {
	EventType  string    `json:"event"`
	GatewayID  string    `json:"gateway_id"`
	Status     Status    `json:"status"`
	Amount     int64     `json:"amount"`
	Metadata   Metadata  `json:"metadata"`
	ReceivedAt time.Time `json:"received_at"`
}

// EventFromNotification maps a webhook body onto an Event. Events the service
// does not act on return ErrUnknownEvent.
func EventFromNotification(n WebhookNotification, now time.Time) (Event, error) {
	ev := Event{
		EventType:  n.Event,
		GatewayID:  n.Object.ID,
		Metadata:   MetadataFromMap(n.Object.Metadata),
		ReceivedAt: now,
	}
	switch n.Event {
	case "payment.succeeded":
		ev.Status = StatusSucceeded
	case "payment.waiting_for_capture":
		ev.Status = StatusPending
	case "payment.canceled":
		ev.Status = StatusCanceled
	case "refund.succeeded":
		ev.Status = StatusRefunded
		ev.GatewayID = n.Object.PaymentID
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, n.Event)
	}
	if ev.GatewayID == "" {
		return Event{}, fmt.Errorf("%s without payment id: %w", n.Event, ErrUnknownEvent)
	}

	if n.Object.Amount.Value != "" {
		amount, err := ParseAmount(n.Object.Amount.Value)
		if err != nil {
			return Event{}, err
		}
		ev.Amount = amount
	}
	return ev, nil
}

// EventFromPayment turns a polled payment into an Event.
func EventFromPayment(p *PaymentResponse, now time.Time) (Event, error) {
	ev := Event{
		EventType:  "poll",
		GatewayID:  p.ID,
		Metadata:   MetadataFromMap(p.Metadata),
		ReceivedAt: now,
	}
	switch p.Status {
	case "succeeded":
		ev.Status = StatusSucceeded
	case "pending", "waiting_for_capture":
		ev.Status = StatusPending
	case "canceled":
		ev.Status = StatusCanceled
	default:
		return Event{}, fmt.Errorf("%w: payment status %q", ErrUnknownEvent, p.Status)
	}
	if p.Amount.Value != "" {
		amount, err := ParseAmount(p.Amount.Value)
		if err != nil {
			return Event{}, err
		}
		ev.Amount = amount
	}
	return ev, nil
}

// ParseAmount converts a decimal string such as "1200.00" into kopeks.
func ParseAmount(value string) (int64, error) {
	value = strings.TrimSpace(value)
	whole, frac, hasFrac := strings.Cut(value, ".")
	if !digits(whole) || (hasFrac && (!digits(frac) || len(frac) > 2)) {
		return 0, fmt.Errorf("invalid amount %q", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	kopeks, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return kopeks, nil
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func FormatAmount(kopeks int64) string {
	return fmt.Sprintf("%d.%02d", kopeks/100, kopeks%100)
}
