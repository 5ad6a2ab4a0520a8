package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditledger/internal/model"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrBalanceNotEnough = errors.New("credit balance not enough")
)

// BalanceNotEnoughError 条件扣减未命中时携带当前可用余额
type BalanceNotEnoughError struct {
	Available int64
}

func (e *BalanceNotEnoughError) Error() string {
	return fmt.Sprintf("credit balance not enough: available %d", e.Available)
}

func (e *BalanceNotEnoughError) Is(target error) bool {
	return target == ErrBalanceNotEnough
}

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Open 开户，余额为 0；账户已存在时返回已有账户，created 为 false
func (r *AccountRepository) Open(ctx context.Context, accountID, kind string) (*model.Account, bool, error) {
	account := &model.Account{
		AccountID: accountID,
		Kind:      kind,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return nil, false, result.Error
	}

	existing, err := r.GetByAccountID(ctx, nil, accountID)
	if err != nil {
		return nil, false, err
	}
	return existing, result.RowsAffected == 1, nil
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 条件扣减，返回扣减后的余额
//
//	UPDATE account SET credit_balance = credit_balance - ? WHERE account_id = ? AND credit_balance >= ?
//
// 单条语句完成"检查 + 扣减"，并发扣减不会把余额扣成负数，不需要行锁或版本号。
// 未命中时在同一事务内重读，区分账户不存在与余额不足。
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, accountID string, amount int64) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND credit_balance >= ?", accountID, amount).
		Updates(map[string]interface{}{
			"credit_balance": gorm.Expr("credit_balance - ?", amount),
		})
	if result.Error != nil {
		return 0, result.Error
	}

	account, err := r.GetByAccountID(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	if result.RowsAffected == 0 {
		return 0, &BalanceNotEnoughError{Available: account.CreditBalance}
	}
	return account.CreditBalance, nil
}

// Credit 退还积分，返回变动后的余额
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, accountID string, amount int64) (int64, error) {
	return r.increase(ctx, tx, accountID, map[string]interface{}{
		"credit_balance": gorm.Expr("credit_balance + ?", amount),
	})
}

// TopUp 购买入账：余额与累计购买量同时增加
func (r *AccountRepository) TopUp(ctx context.Context, tx *gorm.DB, accountID string, credits int64, at time.Time) (int64, error) {
	return r.increase(ctx, tx, accountID, map[string]interface{}{
		"credit_balance":          gorm.Expr("credit_balance + ?", credits),
		"total_credits_purchased": gorm.Expr("total_credits_purchased + ?", credits),
		"last_topup_at":           at,
	})
}

func (r *AccountRepository) increase(ctx context.Context, tx *gorm.DB, accountID string, updates map[string]interface{}) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(updates)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrAccountNotFound
	}

	account, err := r.GetByAccountID(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	return account.CreditBalance, nil
}
