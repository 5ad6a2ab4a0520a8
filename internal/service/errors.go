package service

import (
	"errors"
	"fmt"

	"creditledger/internal/plan"
	"creditledger/internal/repository"
)

var (
	ErrInvalidPlan         = plan.ErrInvalidPlan
	ErrAccountNotFound     = repository.ErrAccountNotFound
	ErrOrderNotFound       = repository.ErrOrderNotFound
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSignatureInvalid    = errors.New("payment signature invalid")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrOrderNotPayable     = errors.New("payment order is not payable")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrUnknownFeature      = errors.New("unknown feature")
	ErrOrderBusy           = errors.New("another checkout for this plan is in progress")
	ErrRefundMismatch      = errors.New("refund does not match original deduction")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrAlreadyRecorded     = errors.New("webhook event already recorded")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
)

// InsufficientCreditsError 余额不足，携带所需与可用积分，返回给调用方用于提示充值
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
