package model

import (
	"time"
)

const (
	AccountKindOperator = "operator"
	AccountKindEndUser  = "end_user"
)

func ValidAccountKind(kind string) bool {
	return kind == AccountKindOperator || kind == AccountKindEndUser
}

// Account 积分账户表
// 运营方账户与终端用户账户共用一张表，账本对两者一视同仁
type Account struct {
	ID                    int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID             string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"account_id"`
	Kind                  string     `gorm:"type:varchar(16);not null" json:"kind"`
	CreditBalance         int64      `gorm:"not null;default:0;check:chk_account_credit_balance,credit_balance >= 0" json:"credit_balance"`
	TotalCreditsPurchased int64      `gorm:"not null;default:0" json:"total_credits_purchased"` // 只增不减
	LastTopupAt           *time.Time `json:"last_topup_at"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
