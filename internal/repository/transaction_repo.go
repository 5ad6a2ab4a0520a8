package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditledger/internal/model"
)

// TransactionRepository 积分流水只追加，不提供更新和删除
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// CreateIfAbsent 按 reference_no 唯一插入，返回是否真正写入
func (r *TransactionRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference_no"}},
			DoNothing: true,
		}).
		Create(trans)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetByReference 未找到返回 nil, nil
func (r *TransactionRepository) GetByReference(ctx context.Context, tx *gorm.DB, referenceNo string) (*model.CreditTransaction, error) {
	return r.first(ctx, tx, "reference_no = ?", referenceNo)
}

// GetByTransactionNo 未找到返回 nil, nil
func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, tx *gorm.DB, transactionNo string) (*model.CreditTransaction, error) {
	return r.first(ctx, tx, "transaction_no = ?", transactionNo)
}

func (r *TransactionRepository) first(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.CreditTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.CreditTransaction
	err := tx.WithContext(ctx).Where(query, args...).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// TransactionQuery 流水查询条件，From/To 为零值时不限制
type TransactionQuery struct {
	AccountID string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// ListByAccount 按时间倒序分页查询
func (r *TransactionRepository) ListByAccount(ctx context.Context, q TransactionQuery) ([]*model.CreditTransaction, int64, error) {
	var transactions []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("account_id = ?", q.AccountID)
	if !q.From.IsZero() {
		query = query.Where("created_at >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		query = query.Where("created_at < ?", q.To.UTC())
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListChain 按写入顺序返回账户全部流水，用于账链核对
func (r *TransactionRepository) ListChain(ctx context.Context, accountID string) ([]*model.CreditTransaction, error) {
	var transactions []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}
