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

// RefundService 功能执行失败后的补偿退还
//
// 退还必须指向一笔成功的扣费流水，reference_no = refund:<扣费流水号>，同一笔扣费最多退还一次。
type RefundService struct {
	db              *gorm.DB
	cfg             *config.Config
	log             *logrus.Logger
	metrics         *metrics.Metrics
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewRefundService(db *gorm.DB, cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) *RefundService {
	return &RefundService{
		db:              db,
		cfg:             cfg,
		log:             log,
		metrics:         m,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type RefundRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	// Amount 为 0 时退还原扣费金额
	Amount        int64  `json:"amount"`
	Feature       string `json:"feature"`
	TransactionNo string `json:"transaction_no" binding:"required"`
	Reason        string `json:"reason"`
}

type RefundResult struct {
	TransactionNo   string `json:"transaction_no"`
	Amount          int64  `json:"amount"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	Duplicate       bool   `json:"duplicate"`
}

func (s *RefundService) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if req.TransactionNo == "" {
		return nil, fmt.Errorf("%w: transaction_no is required", ErrRefundMismatch)
	}

	original, err := s.transactionRepo.GetByTransactionNo(ctx, nil, req.TransactionNo)
	if err != nil {
		return nil, fmt.Errorf("load deduction %s: %w", req.TransactionNo, err)
	}
	if err := checkRefundable(original, &req); err != nil {
		return nil, err
	}
	reference := strPtr(refundReference(req.TransactionNo))
	if existing, err := s.transactionRepo.GetByReference(ctx, nil, *reference); err != nil {
		return nil, fmt.Errorf("check refund reference: %w", err)
	} else if existing != nil {
		return duplicateRefund(existing), nil
	}

	metadata := datatypes.JSONMap{"deduct_transaction_no": req.TransactionNo}
	if req.Reason != "" {
		metadata["reason"] = req.Reason
	}
	txn := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		Action:        model.TransactionActionRefund,
		Feature:       req.Feature,
		Status:        model.TransactionStatusSuccess,
		ReferenceNo:   reference,
		Metadata:      metadata,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.accountRepo.Credit(ctx, tx, req.AccountID, req.Amount)
		if err != nil {
			return err
		}
		txn.PreviousBalance = balance - req.Amount
		txn.NewBalance = balance

		inserted, err := s.transactionRepo.CreateIfAbsent(ctx, tx, txn)
		if err != nil {
			return fmt.Errorf("write refund transaction: %w", err)
		}
		if !inserted {
			return errDuplicateReference
		}

		return publishLedgerEvent(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.LedgerEvents, model.LedgerEvent{
			Type:          model.EventCreditsRefunded,
			AccountID:     req.AccountID,
			TransactionNo: txn.TransactionNo,
			Amount:        req.Amount,
			Feature:       req.Feature,
			Balance:       balance,
			OccurredAt:    time.Now().UTC(),
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrAccountNotFound):
		return nil, err
	case errors.Is(err, errDuplicateReference):
		existing, lookupErr := s.transactionRepo.GetByReference(ctx, nil, *reference)
		if lookupErr != nil || existing == nil {
			return nil, fmt.Errorf("reload refund: %w", errors.Join(err, lookupErr))
		}
		return duplicateRefund(existing), nil
	default:
		return nil, fmt.Errorf("refund credits: %w", err)
	}

	s.metrics.Refunded(req.Feature, req.Amount)
	s.log.WithFields(logrus.Fields{
		"account_id":     req.AccountID,
		"feature":        req.Feature,
		"amount":         req.Amount,
		"balance":        txn.NewBalance,
		"transaction_no": txn.TransactionNo,
		"deduct_no":      req.TransactionNo,
	}).Info("credits refunded")

	return &RefundResult{
		TransactionNo:   txn.TransactionNo,
		Amount:          req.Amount,
		PreviousBalance: txn.PreviousBalance,
		NewBalance:      txn.NewBalance,
	}, nil
}

// checkRefundable 原流水必须是同一账户的成功扣费，且退还金额不超过扣费金额
func checkRefundable(original *model.CreditTransaction, req *RefundRequest) error {
	if original == nil {
		return fmt.Errorf("%w: transaction %s not found", ErrRefundMismatch, req.TransactionNo)
	}
	if original.AccountID != req.AccountID {
		return fmt.Errorf("%w: transaction %s belongs to another account", ErrRefundMismatch, req.TransactionNo)
	}
	if original.Action != model.TransactionActionDeduct || original.Status != model.TransactionStatusSuccess {
		return fmt.Errorf("%w: transaction %s is not a successful deduction", ErrRefundMismatch, req.TransactionNo)
	}
	if req.Amount == 0 {
		req.Amount = original.Amount
	}
	if req.Amount > original.Amount {
		return fmt.Errorf("%w: refund %d exceeds deduction %d", ErrRefundMismatch, req.Amount, original.Amount)
	}
	if req.Feature == "" {
		req.Feature = original.Feature
	}
	return nil
}

func refundReference(deductNo string) string {
	return "refund:" + deductNo
}

func duplicateRefund(t *model.CreditTransaction) *RefundResult {
	return &RefundResult{
		TransactionNo:   t.TransactionNo,
		Amount:          t.Amount,
		PreviousBalance: t.PreviousBalance,
		NewBalance:      t.NewBalance,
		Duplicate:       true,
	}
}
