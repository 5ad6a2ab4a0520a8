package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// webhook 事件类型
const (
	EventPaymentCaptured     = "payment.captured"
	EventPaymentFailed       = "payment.failed"
	EventOrderPaid           = "order.paid"
	EventSubscriptionCharged = "subscription.charged"
)

// WebhookEvent 解析后的渠道通知
type WebhookEvent struct {
	ID        string
	Event     string
	CreatedAt int64

	Payment        *Payment
	Order          *Order
	SubscriptionID string
	// SubscriptionNotes 订阅创建时携带的 notes，周期扣款时用于识别付款账户
	SubscriptionNotes map[string]string
}

// ProviderOrderID 通知关联的渠道订单号，订阅扣款可能为空
func (e *WebhookEvent) ProviderOrderID() string {
	if e.Payment != nil && e.Payment.OrderID != "" {
		return e.Payment.OrderID
	}
	if e.Order != nil {
		return e.Order.ID
	}
	return ""
}

// Note 依次从 payment、subscription、order 的 notes 中取值
func (e *WebhookEvent) Note(key string) string {
	if e.Payment != nil && e.Payment.Notes[key] != "" {
		return e.Payment.Notes[key]
	}
	if e.SubscriptionNotes[key] != "" {
		return e.SubscriptionNotes[key]
	}
	if e.Order != nil {
		return e.Order.Notes[key]
	}
	return ""
}

type rawEvent struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity rawPayment `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity rawOrder `json:"entity"`
		} `json:"order"`
		Subscription *struct {
			Entity rawSubscription `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

type rawPayment struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"order_id"`
	Status   string          `json:"status"`
	Amount   int64           `json:"amount"`
	Currency string          `json:"currency"`
	Notes    json.RawMessage `json:"notes"`
}

type rawOrder struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Amount     int64           `json:"amount"`
	AmountPaid int64           `json:"amount_paid"`
	Currency   string          `json:"currency"`
	Receipt    string          `json:"receipt"`
	Attempts   int             `json:"attempts"`
	Notes      json.RawMessage `json:"notes"`
}

type rawSubscription struct {
	ID    string          `json:"id"`
	Notes json.RawMessage `json:"notes"`
}

// ParseWebhookEvent 解析 webhook 原始报文
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if raw.Event == "" {
		return nil, fmt.Errorf("webhook payload without event type")
	}

	evt := &WebhookEvent{
		ID:        raw.ID,
		Event:     raw.Event,
		CreatedAt: raw.CreatedAt,
	}
	if p := raw.Payload.Payment; p != nil {
		evt.Payment = &Payment{
			ID:               p.Entity.ID,
			OrderID:          p.Entity.OrderID,
			Status:           p.Entity.Status,
			AmountMinorUnits: p.Entity.Amount,
			Currency:         p.Entity.Currency,
			Notes:            decodeNotes(p.Entity.Notes),
		}
	}
	if o := raw.Payload.Order; o != nil {
		evt.Order = &Order{
			ID:               o.Entity.ID,
			Status:           o.Entity.Status,
			AmountMinorUnits: o.Entity.Amount,
			AmountPaid:       o.Entity.AmountPaid,
			Currency:         o.Entity.Currency,
			Receipt:          o.Entity.Receipt,
			Attempts:         o.Entity.Attempts,
			Notes:            decodeNotes(o.Entity.Notes),
		}
	}
	if s := raw.Payload.Subscription; s != nil {
		evt.SubscriptionID = s.Entity.ID
		evt.SubscriptionNotes = decodeNotes(s.Entity.Notes)
	}
	return evt, nil
}

// EventID 优先使用投递头中的事件 ID，其次报文 id，最后退化为报文摘要
func EventID(headerID string, evt *WebhookEvent, payload []byte) string {
	if headerID != "" {
		return headerID
	}
	if evt != nil && evt.ID != "" {
		return evt.ID
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func decodeNotes(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return notesField(obj)
}
