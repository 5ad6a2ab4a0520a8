package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 账本相关的 Prometheus 指标
// 所有方法对 nil 接收者安全，未启用指标时可直接传 nil
type Metrics struct {
	CreditsConsumed  *prometheus.CounterVec
	ConsumeRejected  *prometheus.CounterVec
	CreditsRefunded  *prometheus.CounterVec
	CreditsPurchased *prometheus.CounterVec
	Confirmations    *prometheus.CounterVec
	WebhookEvents    *prometheus.CounterVec
	PaymentOrders    *prometheus.CounterVec
	OutboxDelivered  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreditsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_credits_consumed_total",
			Help: "Credits debited by paid feature operations",
		}, []string{"feature"}),
		ConsumeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_consume_rejected_total",
			Help: "Consumption attempts rejected before debiting",
		}, []string{"feature", "reason"}),
		CreditsRefunded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_credits_refunded_total",
			Help: "Credits restored by compensating refunds",
		}, []string{"feature"}),
		CreditsPurchased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_credits_purchased_total",
			Help: "Credits granted from confirmed payments",
		}, []string{"plan", "source"}),
		Confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_payment_confirmations_total",
			Help: "Payment confirmations by source and outcome",
		}, []string{"source", "outcome"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_webhook_events_total",
			Help: "Provider webhook deliveries by event type and outcome",
		}, []string{"event", "outcome"}),
		PaymentOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_payment_orders_total",
			Help: "Checkout order requests by outcome",
		}, []string{"outcome"}),
		OutboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_outbox_messages_total",
			Help: "Outbox relay attempts by outcome",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CreditsConsumed,
			m.ConsumeRejected,
			m.CreditsRefunded,
			m.CreditsPurchased,
			m.Confirmations,
			m.WebhookEvents,
			m.PaymentOrders,
			m.OutboxDelivered,
		)
	}
	return m
}

func (m *Metrics) Consumed(feature string, amount int64) {
	if m == nil {
		return
	}
	m.CreditsConsumed.WithLabelValues(feature).Add(float64(amount))
}

func (m *Metrics) Rejected(feature, reason string) {
	if m == nil {
		return
	}
	m.ConsumeRejected.WithLabelValues(feature, reason).Inc()
}

func (m *Metrics) Refunded(feature string, amount int64) {
	if m == nil {
		return
	}
	m.CreditsRefunded.WithLabelValues(feature).Add(float64(amount))
}

func (m *Metrics) Purchased(planID, source string, credits int64) {
	if m == nil {
		return
	}
	m.CreditsPurchased.WithLabelValues(planID, source).Add(float64(credits))
}

func (m *Metrics) Confirmation(source, outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) Webhook(event, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Order(outcome string) {
	if m == nil {
		return
	}
	m.PaymentOrders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Outbox(outcome string) {
	if m == nil {
		return
	}
	m.OutboxDelivered.WithLabelValues(outcome).Inc()
}
