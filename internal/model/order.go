package model

import (
	"time"
)

const (
	OrderStatusCreated = "created"
	OrderStatusPaid    = "paid"
	OrderStatusFailed  = "failed"
)

// paid 与 failed 均为终态
var ValidStatusTransitions = map[string][]string{
	OrderStatusCreated: {OrderStatusPaid, OrderStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// PaymentOrder 积分购买订单，一次购买一个套餐
//
// created -> paid 的状态迁移是给账户入账的唯一幂等栅栏，
// 同一行只会有一个调用方迁移成功。
type PaymentOrder struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo           string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	AccountID         string     `gorm:"type:varchar(64);index:idx_payment_order_reuse,priority:1;not null" json:"account_id"`
	PlanID            string     `gorm:"type:varchar(64);index:idx_payment_order_reuse,priority:2;not null" json:"plan_id"`
	ProviderOrderID   *string    `gorm:"type:varchar(64);uniqueIndex" json:"provider_order_id"`
	ProviderPaymentID *string    `gorm:"type:varchar(64);uniqueIndex" json:"provider_payment_id"`
	SubscriptionID    string     `gorm:"type:varchar(64);index" json:"subscription_id,omitempty"`
	AmountMinorUnits  int64      `gorm:"not null" json:"amount_minor_units"`
	Currency          string     `gorm:"type:varchar(8);not null" json:"currency"`
	Credits           int64      `gorm:"not null" json:"credits"`
	CreditsGranted    int64      `gorm:"not null;default:0" json:"credits_granted"`
	Status            string     `gorm:"type:varchar(16);index;not null" json:"status"`
	Signature         string     `gorm:"type:varchar(256)" json:"-"`
	FailureReason     string     `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	PaidAt            *time.Time `json:"paid_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index:idx_payment_order_reuse,priority:3" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentOrder) TableName() string {
	return "payment_order"
}

func (o *PaymentOrder) ProviderOrderRef() string {
	if o.ProviderOrderID == nil {
		return ""
	}
	return *o.ProviderOrderID
}

func (o *PaymentOrder) ProviderPaymentRef() string {
	if o.ProviderPaymentID == nil {
		return ""
	}
	return *o.ProviderPaymentID
}
