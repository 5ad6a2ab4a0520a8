package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	razorpay "github.com/razorpay/razorpay-go"
	"github.com/sirupsen/logrus"

	"creditledger/internal/config"
)

// orderAPI razorpay-go 中用到的订单接口，测试时可替换
type orderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Payments(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayGateway Razorpay 渠道实现
//
// 建单不是幂等操作，只走熔断不重试；查单走重试 + 熔断。
type RazorpayGateway struct {
	orders        orderAPI
	keyID         string
	keySecret     string
	webhookSecret string
	log           *logrus.Logger

	createExec failsafe.Executor[map[string]interface{}]
	fetchExec  failsafe.Executor[map[string]interface{}]
}

func NewRazorpayGateway(cfg config.RazorpayConfig, log *logrus.Logger) *RazorpayGateway {
	client := razorpay.NewClient(cfg.KeyID, cfg.KeySecret)
	if cfg.TimeoutSeconds > 0 && cfg.TimeoutSeconds <= math.MaxInt16 {
		client.SetTimeout(int16(cfg.TimeoutSeconds))
	}
	return newRazorpayGateway(client.Order, cfg, log)
}

func newRazorpayGateway(orders orderAPI, cfg config.RazorpayConfig, log *logrus.Logger) *RazorpayGateway {
	breaker := circuitbreaker.NewBuilder[map[string]interface{}]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.WithFields(logrus.Fields{
				"circuit_breaker": "razorpay",
				"from_state":      fmt.Sprint(event.OldState),
				"to_state":        fmt.Sprint(event.NewState),
			}).Warn("circuit breaker state change")
		}).
		Build()

	retry := retrypolicy.NewBuilder[map[string]interface{}]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		WithJitterFactor(0.1).
		Build()

	return &RazorpayGateway{
		orders:        orders,
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		log:           log,
		createExec:    failsafe.With[map[string]interface{}](breaker),
		fetchExec:     failsafe.With[map[string]interface{}](retry, breaker),
	}
}

func (g *RazorpayGateway) KeyID() string {
	return g.keyID
}

func (g *RazorpayGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	notes := make(map[string]interface{}, len(req.Notes))
	for k, v := range req.Notes {
		notes[k] = v
	}
	data := map[string]interface{}{
		"amount":   req.AmountMinorUnits,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    notes,
	}

	resp, err := g.createExec.WithContext(ctx).Get(func() (map[string]interface{}, error) {
		return g.orders.Create(data, nil)
	})
	if err != nil {
		return nil, unavailable("create order", err)
	}

	order, err := orderFromResponse(resp)
	if err != nil {
		return nil, unavailable("create order", err)
	}
	return order, nil
}

func (g *RazorpayGateway) FetchOrder(ctx context.Context, providerOrderID string) (*Order, error) {
	resp, err := g.fetchExec.WithContext(ctx).Get(func() (map[string]interface{}, error) {
		return g.orders.Fetch(providerOrderID, nil, nil)
	})
	if err != nil {
		return nil, unavailable("fetch order", err)
	}
	order, err := orderFromResponse(resp)
	if err != nil {
		return nil, unavailable("fetch order", err)
	}

	payments, err := g.fetchExec.WithContext(ctx).Get(func() (map[string]interface{}, error) {
		return g.orders.Payments(providerOrderID, nil, nil)
	})
	if err != nil {
		return nil, unavailable("fetch order payments", err)
	}
	order.Payments = paymentsFromCollection(payments)
	return order, nil
}

func (g *RazorpayGateway) VerifyPaymentSignature(providerOrderID, providerPaymentID, signature string) bool {
	return verify(SignPayment(providerOrderID, providerPaymentID, g.keySecret), signature)
}

func (g *RazorpayGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	if g.webhookSecret == "" {
		return false
	}
	return verify(SignWebhook(payload, g.webhookSecret), signature)
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("razorpay %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("razorpay %s: %w: %v", op, ErrUnavailable, err)
}

// ============================================================================
// 响应解析：SDK 返回 map[string]interface{}，数字为 float64
// ============================================================================

func orderFromResponse(m map[string]interface{}) (*Order, error) {
	id := stringField(m, "id")
	if id == "" {
		return nil, errors.New("order response without id")
	}
	return &Order{
		ID:               id,
		Status:           stringField(m, "status"),
		AmountMinorUnits: intField(m, "amount"),
		AmountPaid:       intField(m, "amount_paid"),
		Currency:         stringField(m, "currency"),
		Receipt:          stringField(m, "receipt"),
		Attempts:         int(intField(m, "attempts")),
		Notes:            notesField(m["notes"]),
	}, nil
}

func paymentsFromCollection(m map[string]interface{}) []Payment {
	items, _ := m["items"].([]interface{})
	payments := make([]Payment, 0, len(items))
	for _, it := range items {
		pm, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		payments = append(payments, Payment{
			ID:               stringField(pm, "id"),
			OrderID:          stringField(pm, "order_id"),
			Status:           stringField(pm, "status"),
			AmountMinorUnits: intField(pm, "amount"),
			Currency:         stringField(pm, "currency"),
			Notes:            notesField(pm["notes"]),
		})
	}
	return payments
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// notesField notes 为空时渠道返回 []，非空时为对象
func notesField(v interface{}) map[string]string {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	notes := make(map[string]string, len(obj))
	for k, val := range obj {
		if s, ok := val.(string); ok {
			notes[k] = s
		} else if val != nil {
			notes[k] = fmt.Sprint(val)
		}
	}
	return notes
}
