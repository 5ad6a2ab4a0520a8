package model

import (
	"encoding/json"
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 账本事件类型
const (
	EventCreditsConsumed  = "credits.consumed"
	EventCreditsRefunded  = "credits.refunded"
	EventCreditsPurchased = "credits.purchased"
)

// OutboxMessage 本地消息表，与余额变动在同一事务内写入，由 OutboxSender 投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// LedgerEvent 投递给下游（通知、统计）的账本事件
type LedgerEvent struct {
	Type              string    `json:"type"`
	AccountID         string    `json:"account_id"`
	TransactionNo     string    `json:"transaction_no"`
	Amount            int64     `json:"amount"`
	Feature           string    `json:"feature,omitempty"`
	Balance           int64     `json:"balance"`
	PlanID            string    `json:"plan_id,omitempty"`
	ProviderOrderID   string    `json:"provider_order_id,omitempty"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewLedgerOutbox 以账户 ID 作为消息 key，保证同一账户的事件在同一分区内有序
func NewLedgerOutbox(topic string, evt LedgerEvent) (*OutboxMessage, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		MessageKey: evt.AccountID,
		Topic:      topic,
		EventType:  evt.Type,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}, nil
}
