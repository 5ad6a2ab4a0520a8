package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"creditledger/internal/model"
	"creditledger/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type AccountService struct {
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	log             *logrus.Logger
}

func NewAccountService(db *gorm.DB, log *logrus.Logger) *AccountService {
	return &AccountService{
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		log:             log,
	}
}

// OpenAccount 开户，余额为 0。重复开户返回已有账户，created 为 false
func (s *AccountService) OpenAccount(ctx context.Context, accountID, kind string) (*model.Account, bool, error) {
	if accountID == "" {
		return nil, false, fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	if !model.ValidAccountKind(kind) {
		return nil, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidAccount, kind)
	}

	account, created, err := s.accountRepo.Open(ctx, accountID, kind)
	if err != nil {
		return nil, false, fmt.Errorf("open account %s: %w", accountID, err)
	}
	if created {
		s.log.WithFields(logrus.Fields{"account_id": accountID, "kind": kind}).Info("account opened")
	}
	return account, created, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.accountRepo.GetByAccountID(ctx, nil, accountID)
}

// ListTransactions 按账户与时间范围分页查询流水
func (s *AccountService) ListTransactions(ctx context.Context, q repository.TransactionQuery) ([]*model.CreditTransaction, int64, error) {
	if _, err := s.accountRepo.GetByAccountID(ctx, nil, q.AccountID); err != nil {
		return nil, 0, err
	}
	q.Page, q.PageSize = normalizePage(q.Page, q.PageSize)
	return s.transactionRepo.ListByAccount(ctx, q)
}

// AuditBreak 相邻两笔成功流水的余额没有首尾相接
type AuditBreak struct {
	TransactionNo    string `json:"transaction_no"`
	ExpectedPrevious int64  `json:"expected_previous"`
	ActualPrevious   int64  `json:"actual_previous"`
}

type AuditReport struct {
	AccountID       string       `json:"account_id"`
	Balance         int64        `json:"balance"`
	ComputedBalance int64        `json:"computed_balance"`
	Entries         int          `json:"entries"`
	Breaks          []AuditBreak `json:"breaks"`
	Consistent      bool         `json:"consistent"`
}

// AuditChain 账链核对：按写入顺序检查每笔成功流水的 previous_balance 是否等于上一笔的 new_balance，
// 并用流水累加值与账户余额比对。失败流水不影响余额，跳过。
func (s *AccountService) AuditChain(ctx context.Context, accountID string) (*AuditReport, error) {
	account, err := s.accountRepo.GetByAccountID(ctx, nil, accountID)
	if err != nil {
		return nil, err
	}
	chain, err := s.transactionRepo.ListChain(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load ledger of %s: %w", accountID, err)
	}

	report := &AuditReport{
		AccountID: accountID,
		Balance:   account.CreditBalance,
		Breaks:    []AuditBreak{},
	}
	var last int64
	for _, t := range chain {
		if t.Status != model.TransactionStatusSuccess {
			continue
		}
		report.Entries++
		if t.PreviousBalance != last {
			report.Breaks = append(report.Breaks, AuditBreak{
				TransactionNo:    t.TransactionNo,
				ExpectedPrevious: last,
				ActualPrevious:   t.PreviousBalance,
			})
		}
		report.ComputedBalance += t.Delta()
		last = t.NewBalance
	}
	report.Consistent = len(report.Breaks) == 0 && report.ComputedBalance == account.CreditBalance

	if !report.Consistent {
		s.log.WithFields(logrus.Fields{
			"account_id":       accountID,
			"balance":          report.Balance,
			"computed_balance": report.ComputedBalance,
			"breaks":           len(report.Breaks),
		}).Warn("ledger chain inconsistent")
	}
	return report, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
