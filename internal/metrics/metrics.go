package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry        *prometheus.Registry
	quotaDecisions  *prometheus.CounterVec
	reconcileResult *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_decisions_total",
			Help: "Quota checks by result (allowed, denied, error).",
		}, []string{"result"}),
		reconcileResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_reconcile_total",
			Help: "Payment reconciliations by outcome.",
		}, []string{"outcome"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhook_events_total",
			Help: "Gateway webhook notifications by event type.",
		}, []string{"event"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Chat notifications sent by kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(m.quotaDecisions, m.reconcileResult, m.webhookEvents, m.notifications)
	return m
}

func (m *Metrics) QuotaDecision(result string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconcileResult.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookEvent(event string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
