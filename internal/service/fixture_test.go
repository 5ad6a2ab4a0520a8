package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"creditledger/internal/config"
	"creditledger/internal/logging"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/plan"
	"creditledger/internal/repository"
	"creditledger/internal/testutil"
	"creditledger/pkg/idgen"
)

const seedFeature = "seed"

type fixture struct {
	db      *gorm.DB
	cfg     *config.Config
	gateway *testutil.FakeGateway
	redis   *miniredis.Miniredis
	metrics *metrics.Metrics

	accounts  *AccountService
	consume   *ConsumeService
	refunds   *RefundService
	orders    *OrderService
	reconcile *ReconcileService
	dedup     *WebhookDeduplicator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	client, mr := testutil.NewRedis(t)
	cfg := config.Default()
	log := logging.Discard()
	m := metrics.New(prometheus.NewRegistry())
	gw := testutil.NewFakeGateway()
	catalog, err := plan.NewCatalog(plan.DefaultPlans())
	require.NoError(t, err)

	refunds := NewRefundService(db, cfg, log, m)
	dedup := NewWebhookDeduplicator(db)
	return &fixture{
		db:        db,
		cfg:       cfg,
		gateway:   gw,
		redis:     mr,
		metrics:   m,
		accounts:  NewAccountService(db, log),
		consume:   NewConsumeService(db, cfg, log, m, refunds),
		refunds:   refunds,
		orders:    NewOrderService(db, client, gw, catalog, cfg, log, m),
		reconcile: NewReconcileService(db, gw, catalog, dedup, cfg, log, m),
		dedup:     dedup,
	}
}

// openWithCredits 开户并直接入账初始积分，同时写一条 add 流水保持账链完整
func (f *fixture) openWithCredits(t *testing.T, accountID string, credits int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.accounts.OpenAccount(ctx, accountID, model.AccountKindEndUser)
	require.NoError(t, err)
	if credits <= 0 {
		return
	}

	accounts := repository.NewAccountRepository(f.db)
	transactions := repository.NewTransactionRepository(f.db)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		balance, err := accounts.Credit(ctx, tx, accountID, credits)
		if err != nil {
			return err
		}
		return transactions.Create(ctx, tx, &model.CreditTransaction{
			TransactionNo:   idgen.GenerateTransactionNo(),
			AccountID:       accountID,
			Amount:          credits,
			Action:          model.TransactionActionAdd,
			Feature:         seedFeature,
			PreviousBalance: balance - credits,
			NewBalance:      balance,
			Status:          model.TransactionStatusSuccess,
			ReferenceNo:     strPtr("seed:" + accountID),
		})
	}))
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	acc, err := f.accounts.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acc.CreditBalance
}

// countTransactions 不含 openWithCredits 写入的初始流水
func (f *fixture) countTransactions(t *testing.T, accountID, action, status string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.CreditTransaction{}).
		Where("account_id = ? AND action = ? AND status = ? AND feature <> ?", accountID, action, status, seedFeature).
		Count(&n).Error)
	return n
}

func (f *fixture) countOutbox(t *testing.T, eventType string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.OutboxMessage{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}
