package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Consumed("seo_title", 2)
	m.Consumed("seo_title", 1)
	m.Rejected("seo_title", "insufficient_credits")
	m.Purchased("credits_70", "client", 70)
	m.Confirmation("webhook", "duplicate")

	if got := testutil.ToFloat64(m.CreditsConsumed.WithLabelValues("seo_title")); got != 3 {
		t.Fatalf("expected 3 consumed, got %v", got)
	}
	if got := testutil.ToFloat64(m.ConsumeRejected.WithLabelValues("seo_title", "insufficient_credits")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.CreditsPurchased.WithLabelValues("credits_70", "client")); got != 70 {
		t.Fatalf("expected 70 purchased, got %v", got)
	}
	if got := testutil.ToFloat64(m.Confirmations.WithLabelValues("webhook", "duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate confirmation, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Consumed("x", 1)
	m.Rejected("x", "y")
	m.Refunded("x", 1)
	m.Purchased("p", "s", 1)
	m.Confirmation("s", "o")
	m.Webhook("e", "o")
	m.Order("o")
	m.Outbox("o")
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.Order("created")
	if got := testutil.ToFloat64(m.PaymentOrders.WithLabelValues("created")); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}
