package testutil

import (
	"context"
	"fmt"
	"sync"

	"creditledger/internal/infrastructure/provider"
)

const (
	TestKeyID         = "rzp_test_key"
	TestKeySecret     = "key_secret"
	TestWebhookSecret = "webhook_secret"
)

// FakeGateway 内存中的支付渠道，签名算法与真实渠道一致
type FakeGateway struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]*provider.Order
	CreateErr error
	FetchErr  error

	CreateCalls int
	FetchCalls  int
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{orders: make(map[string]*provider.Order)}
}

func (g *FakeGateway) KeyID() string { return TestKeyID }

func (g *FakeGateway) CreateOrder(_ context.Context, req provider.OrderRequest) (*provider.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CreateCalls++
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.seq++
	o := &provider.Order{
		ID:               fmt.Sprintf("order_%04d", g.seq),
		Status:           provider.OrderStatusCreated,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         req.Currency,
		Receipt:          req.Receipt,
		Notes:            req.Notes,
	}
	g.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (g *FakeGateway) FetchOrder(_ context.Context, id string) (*provider.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.FetchCalls++
	if g.FetchErr != nil {
		return nil, g.FetchErr
	}
	o, ok := g.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, provider.ErrUnavailable)
	}
	cp := *o
	cp.Payments = append([]provider.Payment(nil), o.Payments...)
	return &cp, nil
}

// Capture 模拟用户在渠道侧完成支付
func (g *FakeGateway) Capture(orderID, paymentID string) {
	g.addPayment(orderID, paymentID, provider.PaymentStatusCaptured)
}

// Fail 模拟一次失败的支付尝试
func (g *FakeGateway) Fail(orderID, paymentID string) {
	g.addPayment(orderID, paymentID, provider.PaymentStatusFailed)
}

func (g *FakeGateway) addPayment(orderID, paymentID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return
	}
	o.Attempts++
	o.Status = provider.OrderStatusAttempted
	if status == provider.PaymentStatusCaptured {
		o.Status = provider.OrderStatusPaid
		o.AmountPaid = o.AmountMinorUnits
	}
	o.Payments = append(o.Payments, provider.Payment{
		ID:               paymentID,
		OrderID:          orderID,
		Status:           status,
		AmountMinorUnits: o.AmountMinorUnits,
		Currency:         o.Currency,
	})
}

func (g *FakeGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return provider.SignPayment(orderID, paymentID, TestKeySecret) == signature
}

func (g *FakeGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	return provider.SignWebhook(payload, TestWebhookSecret) == signature
}

// PaymentSignature 客户端回调携带的合法签名
func PaymentSignature(orderID, paymentID string) string {
	return provider.SignPayment(orderID, paymentID, TestKeySecret)
}

// WebhookSignature webhook 头中的合法签名
func WebhookSignature(payload []byte) string {
	return provider.SignWebhook(payload, TestWebhookSecret)
}

// CapturedWebhook 构造 payment.captured 报文
func CapturedWebhook(orderID, paymentID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"entity":"event","event":"payment.captured","contains":["payment"],`+
		`"payload":{"payment":{"entity":{"id":%q,"entity":"payment","order_id":%q,"status":"captured","amount":%d,"currency":"INR","notes":[]}}}}`,
		paymentID, orderID, amount))
}
