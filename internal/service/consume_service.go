package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"creditledger/internal/config"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"
)

// errDuplicateReference 事务内发现幂等引用已存在，回滚后按重复请求处理
var errDuplicateReference = errors.New("duplicate ledger reference")

// ============================================================================
// 积分消费
// ============================================================================
//
// 扣费流程（单个数据库事务）：
//   1. UPDATE account SET credit_balance = credit_balance - ? WHERE account_id = ? AND credit_balance >= ?
//   2. 写 deduct 流水（带幂等键时 reference_no 唯一）
//   3. 写 outbox 账本事件
//
// 余额不足时不改余额，按配置追加一条 failed 流水用于审计。
// ============================================================================

type ConsumeService struct {
	db              *gorm.DB
	cfg             *config.Config
	log             *logrus.Logger
	metrics         *metrics.Metrics
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	refunds         *RefundService
}

func NewConsumeService(db *gorm.DB, cfg *config.Config, log *logrus.Logger, m *metrics.Metrics, refunds *RefundService) *ConsumeService {
	return &ConsumeService{
		db:              db,
		cfg:             cfg,
		log:             log,
		metrics:         m,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		refunds:         refunds,
	}
}

type ConsumeRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	// Amount 为 0 时按 Feature 查价目表
	Amount         int64                  `json:"amount"`
	Feature        string                 `json:"feature" binding:"required"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type ConsumeResult struct {
	TransactionNo   string `json:"transaction_no"`
	Amount          int64  `json:"amount"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	Duplicate       bool   `json:"duplicate"`
}

// CostOf 功能单价
func (s *ConsumeService) CostOf(feature string) (int64, error) {
	cost, ok := s.cfg.Features[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	return cost, nil
}

// Costs 功能价目表
func (s *ConsumeService) Costs() map[string]int64 {
	out := make(map[string]int64, len(s.cfg.Features))
	for k, v := range s.cfg.Features {
		out[k] = v
	}
	return out
}

// TryConsume 原子扣费
//
// 成功返回扣费流水；余额不足返回 *InsufficientCreditsError，余额不变。
// 同一幂等键的重试返回第一次的结果，Duplicate 为 true。
func (s *ConsumeService) TryConsume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	amount, err := s.resolveAmount(req)
	if err != nil {
		s.metrics.Rejected(req.Feature, "invalid")
		return nil, err
	}

	var reference *string
	if req.IdempotencyKey != "" {
		reference = strPtr(consumeReference(req.AccountID, req.IdempotencyKey))
		if existing, err := s.transactionRepo.GetByReference(ctx, nil, *reference); err != nil {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		} else if existing != nil {
			return replayConsume(existing, amount, req.Feature)
		}
	}

	txn := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     req.AccountID,
		Amount:        amount,
		Action:        model.TransactionActionDeduct,
		Feature:       req.Feature,
		Status:        model.TransactionStatusSuccess,
		ReferenceNo:   reference,
		Metadata:      datatypes.JSONMap(req.Metadata),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.accountRepo.Deduct(ctx, tx, req.AccountID, amount)
		if err != nil {
			return err
		}
		txn.PreviousBalance = balance + amount
		txn.NewBalance = balance

		inserted, err := s.transactionRepo.CreateIfAbsent(ctx, tx, txn)
		if err != nil {
			return fmt.Errorf("write deduct transaction: %w", err)
		}
		if !inserted {
			return errDuplicateReference
		}

		return publishLedgerEvent(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.LedgerEvents, model.LedgerEvent{
			Type:          model.EventCreditsConsumed,
			AccountID:     req.AccountID,
			TransactionNo: txn.TransactionNo,
			Amount:        amount,
			Feature:       req.Feature,
			Balance:       balance,
			OccurredAt:    time.Now().UTC(),
		})
	})

	var short *repository.BalanceNotEnoughError
	switch {
	case err == nil:
	case errors.As(err, &short):
		return nil, s.rejectInsufficient(ctx, req, amount, short.Available)
	case errors.Is(err, repository.ErrAccountNotFound):
		s.metrics.Rejected(req.Feature, "account_not_found")
		return nil, err
	case errors.Is(err, errDuplicateReference):
		existing, lookupErr := s.transactionRepo.GetByReference(ctx, nil, *reference)
		if lookupErr != nil || existing == nil {
			return nil, fmt.Errorf("reload idempotent consume: %w", errors.Join(err, lookupErr))
		}
		return replayConsume(existing, amount, req.Feature)
	default:
		return nil, fmt.Errorf("consume credits: %w", err)
	}

	s.metrics.Consumed(req.Feature, amount)
	s.log.WithFields(logrus.Fields{
		"account_id":     req.AccountID,
		"feature":        req.Feature,
		"amount":         amount,
		"balance":        txn.NewBalance,
		"transaction_no": txn.TransactionNo,
	}).Info("credits consumed")

	return &ConsumeResult{
		TransactionNo:   txn.TransactionNo,
		Amount:          amount,
		PreviousBalance: txn.PreviousBalance,
		NewBalance:      txn.NewBalance,
	}, nil
}

// BillFeature 先扣费再执行 op，op 失败时补偿退还
//
// 退款使用与调用方取消信号解耦的 context，调用方断开不会让已扣的积分无人退还。
func (s *ConsumeService) BillFeature(ctx context.Context, req ConsumeRequest, op func(ctx context.Context) error) (*ConsumeResult, error) {
	result, err := s.TryConsume(ctx, req)
	if err != nil {
		return nil, err
	}

	opErr := op(ctx)
	if opErr == nil {
		return result, nil
	}

	_, refundErr := s.refunds.Refund(context.WithoutCancel(ctx), RefundRequest{
		AccountID:     req.AccountID,
		Amount:        result.Amount,
		Feature:       req.Feature,
		TransactionNo: result.TransactionNo,
		Reason:        opErr.Error(),
	})
	if refundErr != nil {
		s.log.WithFields(logrus.Fields{
			"account_id":     req.AccountID,
			"transaction_no": result.TransactionNo,
			"amount":         result.Amount,
		}).WithError(refundErr).Error("compensating refund failed, credits need manual restore")
		return nil, errors.Join(opErr, fmt.Errorf("refund %s: %w", result.TransactionNo, refundErr))
	}
	return nil, opErr
}

func (s *ConsumeService) resolveAmount(req ConsumeRequest) (int64, error) {
	switch {
	case req.Amount > 0:
		return req.Amount, nil
	case req.Amount < 0:
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	default:
		return s.CostOf(req.Feature)
	}
}

func (s *ConsumeService) rejectInsufficient(ctx context.Context, req ConsumeRequest, amount, available int64) error {
	s.metrics.Rejected(req.Feature, "insufficient_credits")
	s.log.WithFields(logrus.Fields{
		"account_id": req.AccountID,
		"feature":    req.Feature,
		"required":   amount,
		"available":  available,
	}).Info("consume rejected: insufficient credits")

	if s.cfg.Business.AuditFailedConsumption {
		audit := &model.CreditTransaction{
			TransactionNo:   idgen.GenerateTransactionNo(),
			AccountID:       req.AccountID,
			Amount:          amount,
			Action:          model.TransactionActionDeduct,
			Feature:         req.Feature,
			PreviousBalance: available,
			NewBalance:      available,
			Status:          model.TransactionStatusFailed,
			Metadata:        datatypes.JSONMap{"reason": "insufficient_credits"},
		}
		if err := s.transactionRepo.Create(ctx, nil, audit); err != nil {
			s.log.WithError(err).WithField("account_id", req.AccountID).Warn("write failed consumption audit row")
		}
	}
	return &InsufficientCreditsError{Required: amount, Available: available}
}

func consumeReference(accountID, key string) string {
	return "consume:" + accountID + ":" + key
}

// replayConsume 幂等键命中时返回第一次的结果；同一个键换了金额或功能视为调用方错误
func replayConsume(t *model.CreditTransaction, amount int64, feature string) (*ConsumeResult, error) {
	if t.Amount != amount || t.Feature != feature {
		return nil, fmt.Errorf("%w: key was used for %s x%d", ErrIdempotencyConflict, t.Feature, t.Amount)
	}
	return duplicateConsume(t), nil
}

func duplicateConsume(t *model.CreditTransaction) *ConsumeResult {
	return &ConsumeResult{
		TransactionNo:   t.TransactionNo,
		Amount:          t.Amount,
		PreviousBalance: t.PreviousBalance,
		NewBalance:      t.NewBalance,
		Duplicate:       true,
	}
}
