package service

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"creditledger/internal/model"
	"creditledger/internal/repository"
)

// publishLedgerEvent 在余额变动所在事务内写入 outbox
func publishLedgerEvent(ctx context.Context, tx *gorm.DB, repo *repository.OutboxRepository, topic string, evt model.LedgerEvent) error {
	msg, err := model.NewLedgerOutbox(topic, evt)
	if err != nil {
		return fmt.Errorf("encode ledger event: %w", err)
	}
	if err := repo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

func strPtr(s string) *string {
	return &s
}
