package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditledger/internal/model"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Insert 唯一插入，返回 false 表示该通知已记录过。tx 非空时随入账事务一起提交或回滚
func (r *WebhookEventRepository) Insert(ctx context.Context, tx *gorm.DB, eventID, eventType string, receivedAt time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&model.WebhookEvent{
			ProviderEventID: eventID,
			EventType:       eventType,
			ReceivedAt:      receivedAt.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *WebhookEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("provider_event_id = ?", eventID).
		Count(&count).Error
	return count > 0, err
}
