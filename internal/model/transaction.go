package model

import (
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// 积分流水动作与状态
// ============================================================================

const (
	TransactionActionDeduct = "deduct" // 功能扣费
	TransactionActionAdd    = "add"    // 购买入账
	TransactionActionRefund = "refund" // 功能失败后的补偿退还
)

const (
	TransactionStatusSuccess = "success"
	TransactionStatusFailed  = "failed"
	TransactionStatusPending = "pending"
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
//
// 只追加，不修改，不删除。每笔余额变动与其流水在同一个数据库事务内写入。
// Amount 恒为正数，方向由 Action 决定。
// ReferenceNo 为可空唯一键，用作幂等引用：
//
//	payment:<providerPaymentId>   购买入账
//	consume:<idempotencyKey>      带幂等键的扣费
//	refund:<deductTransactionNo>  针对某笔扣费的补偿
type CreditTransaction struct {
	ID              int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo   string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID       string            `gorm:"type:varchar(64);index:idx_credit_txn_account_time,priority:1;not null" json:"account_id"`
	Amount          int64             `gorm:"not null" json:"amount"`
	Action          string            `gorm:"type:varchar(16);not null" json:"action"`
	Feature         string            `gorm:"type:varchar(64)" json:"feature"`
	PreviousBalance int64             `gorm:"not null" json:"previous_balance"`
	NewBalance      int64             `gorm:"not null" json:"new_balance"`
	Status          string            `gorm:"type:varchar(16);not null" json:"status"`
	ReferenceNo     *string           `gorm:"type:varchar(128);uniqueIndex" json:"reference_no,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt       time.Time         `gorm:"autoCreateTime;index:idx_credit_txn_account_time,priority:2" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}

// Delta 流水对余额的影响
func (t *CreditTransaction) Delta() int64 {
	if t.Status != TransactionStatusSuccess {
		return 0
	}
	if t.Action == TransactionActionDeduct {
		return -t.Amount
	}
	return t.Amount
}
