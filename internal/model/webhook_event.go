package model

import (
	"time"
)

// WebhookEvent 支付渠道通知去重记录，每个通知 ID 只写入一次
type WebhookEvent struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderEventID string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"provider_event_id"`
	EventType       string    `gorm:"type:varchar(64);not null" json:"event_type"`
	ReceivedAt      time.Time `gorm:"not null" json:"received_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
