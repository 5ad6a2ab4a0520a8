package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"creditledger/internal/model"
)

var (
	ErrOrderNotFound      = errors.New("payment order not found")
	ErrOrderStatusInvalid = errors.New("payment order status transition not allowed")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.PaymentOrder) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.PaymentOrder, error) {
	return r.first(ctx, tx, "id = ?", id)
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.PaymentOrder, error) {
	return r.first(ctx, nil, "order_no = ?", orderNo)
}

func (r *OrderRepository) GetByProviderOrderID(ctx context.Context, tx *gorm.DB, providerOrderID string) (*model.PaymentOrder, error) {
	return r.first(ctx, tx, "provider_order_id = ?", providerOrderID)
}

func (r *OrderRepository) GetByProviderPaymentID(ctx context.Context, tx *gorm.DB, providerPaymentID string) (*model.PaymentOrder, error) {
	return r.first(ctx, tx, "provider_payment_id = ?", providerPaymentID)
}

func (r *OrderRepository) first(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.PaymentOrder, error) {
	if tx == nil {
		tx = r.db
	}
	var order model.PaymentOrder
	err := tx.WithContext(ctx).Where(query, args...).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// FindReusable 查找 since 之后创建、仍未支付的同账户同套餐订单，没有时返回 nil, nil
func (r *OrderRepository) FindReusable(ctx context.Context, accountID, planID string, since time.Time) (*model.PaymentOrder, error) {
	var order model.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND plan_id = ? AND status = ?", accountID, planID, model.OrderStatusCreated).
		Where("provider_order_id IS NOT NULL AND created_at >= ?", since.UTC()).
		Order("created_at DESC").
		Order("id DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus 状态 CAS：WHERE id = ? AND status = from
//
// 返回 false 表示状态已被其他调用方改变，调用方应重读订单。
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, extra map[string]interface{}) (bool, error) {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return false, ErrOrderStatusInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentOrder{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkPaid created -> paid，记录支付号、签名与实际发放的积分
func (r *OrderRepository) MarkPaid(ctx context.Context, tx *gorm.DB, id int64, providerPaymentID, signature string, credits int64, paidAt time.Time) (bool, error) {
	return r.UpdateStatus(ctx, tx, id, model.OrderStatusCreated, model.OrderStatusPaid, map[string]interface{}{
		"provider_payment_id": providerPaymentID,
		"signature":           signature,
		"credits_granted":     credits,
		"paid_at":             paidAt.UTC(),
	})
}

// MarkFailed created -> failed
func (r *OrderRepository) MarkFailed(ctx context.Context, tx *gorm.DB, id int64, reason string) (bool, error) {
	return r.UpdateStatus(ctx, tx, id, model.OrderStatusCreated, model.OrderStatusFailed, map[string]interface{}{
		"failure_reason": reason,
	})
}

// CreateRecurring 周期扣款没有渠道订单号，以支付号为唯一键插入或取回订单
func (r *OrderRepository) CreateRecurring(ctx context.Context, order *model.PaymentOrder) (*model.PaymentOrder, error) {
	paymentID := order.ProviderPaymentRef()
	if paymentID == "" {
		return nil, errors.New("recurring order without provider payment id")
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_payment_id"}},
			DoNothing: true,
		}).
		Create(order).Error
	if err != nil {
		return nil, err
	}
	return r.GetByProviderPaymentID(ctx, nil, paymentID)
}

// ListPending 早于 before 创建、仍为 created 的渠道订单，按创建时间升序
func (r *OrderRepository) ListPending(ctx context.Context, before time.Time, limit int) ([]*model.PaymentOrder, error) {
	var orders []*model.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND provider_order_id IS NOT NULL AND created_at < ?", model.OrderStatusCreated, before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *OrderRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.PaymentOrder, int64, error) {
	var orders []*model.PaymentOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentOrder{}).Where("account_id = ?", accountID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
