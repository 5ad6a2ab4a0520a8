// Package provider 支付渠道适配：建单、查单、签名校验与 webhook 解析
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// 渠道订单状态
const (
	OrderStatusCreated   = "created"
	OrderStatusAttempted = "attempted"
	OrderStatusPaid      = "paid"
)

// 渠道支付状态
const (
	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusFailed     = "failed"
)

// ErrUnavailable 渠道不可达、超时或熔断打开
var ErrUnavailable = errors.New("payment provider unavailable")

// Gateway 支付渠道
type Gateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// FetchOrder 查询渠道订单及其下的支付记录
	FetchOrder(ctx context.Context, providerOrderID string) (*Order, error)
	VerifyPaymentSignature(providerOrderID, providerPaymentID, signature string) bool
	VerifyWebhookSignature(payload []byte, signature string) bool
}

type OrderRequest struct {
	AmountMinorUnits int64
	Currency         string
	Receipt          string
	Notes            map[string]string
}

type Order struct {
	ID               string
	Status           string
	AmountMinorUnits int64
	AmountPaid       int64
	Currency         string
	Receipt          string
	Attempts         int
	Notes            map[string]string
	Payments         []Payment
}

type Payment struct {
	ID               string
	OrderID          string
	Status           string
	AmountMinorUnits int64
	Currency         string
	Notes            map[string]string
}

// CapturedPayment 返回第一笔已扣款成功的支付
func (o *Order) CapturedPayment() (Payment, bool) {
	for _, p := range o.Payments {
		if p.Status == PaymentStatusCaptured {
			return p, true
		}
	}
	return Payment{}, false
}

// HasAttempt 用户是否发起过支付
func (o *Order) HasAttempt() bool {
	return o.Attempts > 0 || len(o.Payments) > 0 || o.Status != OrderStatusCreated
}

// SignPayment 客户端回调签名：hex(HMAC_SHA256(order_id|payment_id, key_secret))
func SignPayment(providerOrderID, providerPaymentID, keySecret string) string {
	return sign([]byte(providerOrderID+"|"+providerPaymentID), keySecret)
}

// SignWebhook webhook 签名：hex(HMAC_SHA256(raw body, webhook_secret))
func SignWebhook(payload []byte, webhookSecret string) string {
	return sign(payload, webhookSecret)
}

func sign(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(expected, got string) bool {
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(got))
}
