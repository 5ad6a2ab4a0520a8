package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/config"
	"creditledger/internal/logging"
)

type fakeOrders struct {
	createResp  map[string]interface{}
	createErr   error
	createCalls int
	createData  map[string]interface{}

	fetchResp    map[string]interface{}
	fetchErrs    []error
	fetchCalls   int
	paymentsResp map[string]interface{}
}

func (f *fakeOrders) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.createCalls++
	f.createData = data
	return f.createResp, f.createErr
}

func (f *fakeOrders) Fetch(string, map[string]interface{}, map[string]string) (map[string]interface{}, error) {
	f.fetchCalls++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.fetchResp, nil
}

func (f *fakeOrders) Payments(string, map[string]interface{}, map[string]string) (map[string]interface{}, error) {
	return f.paymentsResp, nil
}

func testGateway(orders orderAPI) *RazorpayGateway {
	return newRazorpayGateway(orders, config.RazorpayConfig{
		KeyID:         "rzp_test_key",
		KeySecret:     "key_secret",
		WebhookSecret: "whsec",
	}, logging.Discard())
}

func TestCreateOrderParsesResponse(t *testing.T) {
	orders := &fakeOrders{createResp: map[string]interface{}{
		"id":       "order_ABC",
		"entity":   "order",
		"amount":   float64(49900),
		"currency": "INR",
		"receipt":  "TOP1",
		"status":   "created",
		"attempts": float64(0),
		"notes":    []interface{}{},
	}}
	g := testGateway(orders)

	order, err := g.CreateOrder(context.Background(), OrderRequest{
		AmountMinorUnits: 49900,
		Currency:         "INR",
		Receipt:          "TOP1",
		Notes:            map[string]string{"account_id": "acc-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "order_ABC", order.ID)
	assert.Equal(t, int64(49900), order.AmountMinorUnits)
	assert.Equal(t, OrderStatusCreated, order.Status)
	assert.Nil(t, order.Notes)
	assert.Equal(t, int64(49900), orders.createData["amount"])
	assert.Equal(t, "acc-1", orders.createData["notes"].(map[string]interface{})["account_id"])
	assert.Equal(t, "rzp_test_key", g.KeyID())
}

func TestCreateOrderIsNotRetried(t *testing.T) {
	orders := &fakeOrders{createErr: errors.New("503 service unavailable")}
	g := testGateway(orders)

	_, err := g.CreateOrder(context.Background(), OrderRequest{AmountMinorUnits: 100, Currency: "INR"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, orders.createCalls)
}

func TestCreateOrderRejectsMalformedResponse(t *testing.T) {
	g := testGateway(&fakeOrders{createResp: map[string]interface{}{"error": "bad"}})

	_, err := g.CreateOrder(context.Background(), OrderRequest{AmountMinorUnits: 100, Currency: "INR"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchOrderRetriesAndLoadsPayments(t *testing.T) {
	orders := &fakeOrders{
		fetchErrs: []error{errors.New("timeout"), nil},
		fetchResp: map[string]interface{}{
			"id":          "order_ABC",
			"status":      "paid",
			"amount":      float64(49900),
			"amount_paid": float64(49900),
			"attempts":    float64(1),
		},
		paymentsResp: map[string]interface{}{
			"entity": "collection",
			"count":  float64(2),
			"items": []interface{}{
				map[string]interface{}{"id": "pay_1", "order_id": "order_ABC", "status": "failed", "amount": float64(49900)},
				map[string]interface{}{"id": "pay_2", "order_id": "order_ABC", "status": "captured", "amount": float64(49900),
					"notes": map[string]interface{}{"account_id": "acc-1"}},
			},
		},
	}
	g := testGateway(orders)

	order, err := g.FetchOrder(context.Background(), "order_ABC")
	require.NoError(t, err)
	assert.Equal(t, 2, orders.fetchCalls)
	assert.Equal(t, OrderStatusPaid, order.Status)
	require.Len(t, order.Payments, 2)

	captured, ok := order.CapturedPayment()
	require.True(t, ok)
	assert.Equal(t, "pay_2", captured.ID)
	assert.Equal(t, "acc-1", captured.Notes["account_id"])
	assert.True(t, order.HasAttempt())
}

func TestHasAttempt(t *testing.T) {
	assert.False(t, (&Order{Status: OrderStatusCreated}).HasAttempt())
	assert.True(t, (&Order{Status: OrderStatusAttempted, Attempts: 1}).HasAttempt())
	assert.True(t, (&Order{Status: OrderStatusCreated, Payments: []Payment{{ID: "pay_1"}}}).HasAttempt())
}

func TestPaymentSignature(t *testing.T) {
	g := testGateway(&fakeOrders{})

	sig := SignPayment("order_ABC", "pay_XYZ", "key_secret")
	assert.Len(t, sig, 64)
	assert.True(t, g.VerifyPaymentSignature("order_ABC", "pay_XYZ", sig))
	assert.False(t, g.VerifyPaymentSignature("order_ABC", "pay_OTHER", sig))
	assert.False(t, g.VerifyPaymentSignature("order_ABC", "pay_XYZ", SignPayment("order_ABC", "pay_XYZ", "wrong")))
	assert.False(t, g.VerifyPaymentSignature("order_ABC", "pay_XYZ", ""))
}

func TestWebhookSignature(t *testing.T) {
	g := testGateway(&fakeOrders{})
	body := []byte(`{"event":"payment.captured"}`)

	assert.True(t, g.VerifyWebhookSignature(body, SignWebhook(body, "whsec")))
	assert.False(t, g.VerifyWebhookSignature([]byte(`{"event":"payment.failed"}`), SignWebhook(body, "whsec")))

	noSecret := newRazorpayGateway(&fakeOrders{}, config.RazorpayConfig{}, logging.Discard())
	assert.False(t, noSecret.VerifyWebhookSignature(body, SignWebhook(body, "")))
}

func TestParsePaymentCaptured(t *testing.T) {
	body := []byte(`{
		"entity": "event",
		"event": "payment.captured",
		"contains": ["payment"],
		"payload": {"payment": {"entity": {
			"id": "pay_XYZ", "order_id": "order_ABC", "status": "captured",
			"amount": 49900, "currency": "INR", "notes": []
		}}},
		"created_at": 1700000000
	}`)

	evt, err := ParseWebhookEvent(body)
	require.NoError(t, err)
	assert.Equal(t, EventPaymentCaptured, evt.Event)
	require.NotNil(t, evt.Payment)
	assert.Equal(t, "pay_XYZ", evt.Payment.ID)
	assert.Equal(t, "order_ABC", evt.ProviderOrderID())
	assert.Equal(t, int64(49900), evt.Payment.AmountMinorUnits)
	assert.Nil(t, evt.Payment.Notes)
}

func TestParseSubscriptionCharged(t *testing.T) {
	body := []byte(`{
		"event": "subscription.charged",
		"payload": {
			"subscription": {"entity": {"id": "sub_1", "notes": {"account_id": "acc-9", "plan_id": "credits_30"}}},
			"payment": {"entity": {"id": "pay_R1", "status": "captured", "amount": 24900, "currency": "INR"}}
		}
	}`)

	evt, err := ParseWebhookEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "", evt.ProviderOrderID())
	assert.Equal(t, "sub_1", evt.SubscriptionID)
	assert.Equal(t, "acc-9", evt.Note("account_id"))
	assert.Equal(t, "credits_30", evt.Note("plan_id"))
}

func TestParseOrderPaid(t *testing.T) {
	body := []byte(`{"event":"order.paid","payload":{
		"order":{"entity":{"id":"order_ABC","status":"paid","amount":9900,"amount_paid":9900,"notes":{"plan_id":"credits_10"}}},
		"payment":{"entity":{"id":"pay_1","order_id":"order_ABC","status":"captured","amount":9900}}}}`)

	evt, err := ParseWebhookEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "order_ABC", evt.ProviderOrderID())
	assert.Equal(t, "credits_10", evt.Note("plan_id"))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseWebhookEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseWebhookEvent([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestEventID(t *testing.T) {
	body := []byte(`{"event":"payment.captured"}`)

	assert.Equal(t, "evt_header", EventID("evt_header", &WebhookEvent{ID: "evt_body"}, body))
	assert.Equal(t, "evt_body", EventID("", &WebhookEvent{ID: "evt_body"}, body))

	fallback := EventID("", &WebhookEvent{}, body)
	assert.Equal(t, fallback, EventID("", nil, body))
	assert.Contains(t, fallback, "sha256:")
	assert.NotEqual(t, fallback, EventID("", nil, []byte(`{"event":"payment.failed"}`)))
}
