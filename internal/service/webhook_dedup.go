package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"creditledger/internal/repository"
)

// WebhookDeduplicator 渠道通知去重，依赖 provider_event_id 唯一索引而不是先查后写
type WebhookDeduplicator struct {
	repo *repository.WebhookEventRepository
	now  func() time.Time
}

func NewWebhookDeduplicator(db *gorm.DB) *WebhookDeduplicator {
	return &WebhookDeduplicator{
		repo: repository.NewWebhookEventRepository(db),
		now:  time.Now,
	}
}

func (d *WebhookDeduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	return d.repo.Exists(ctx, eventID)
}

// Record 首次记录返回 nil，重复投递返回 ErrAlreadyRecorded
func (d *WebhookDeduplicator) Record(ctx context.Context, eventID, eventType string) error {
	return d.RecordTx(ctx, nil, eventID, eventType)
}

// RecordTx 在调用方事务内记录事件，事务回滚时记录一并撤销，渠道重投会被重新处理
func (d *WebhookDeduplicator) RecordTx(ctx context.Context, tx *gorm.DB, eventID, eventType string) error {
	inserted, err := d.repo.Insert(ctx, tx, eventID, eventType, d.now())
	if err != nil {
		return fmt.Errorf("record webhook event %s: %w", eventID, err)
	}
	if !inserted {
		return ErrAlreadyRecorded
	}
	return nil
}
