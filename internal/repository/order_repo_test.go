package repository_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/testutil"
)

func newOrder(no, account, plan, providerID string, createdAt time.Time) *model.PaymentOrder {
	o := &model.PaymentOrder{
		OrderNo:          no,
		AccountID:        account,
		PlanID:           plan,
		AmountMinorUnits: 49900,
		Currency:         "INR",
		Credits:          70,
		Status:           model.OrderStatusCreated,
		CreatedAt:        createdAt,
	}
	if providerID != "" {
		o.ProviderOrderID = ref(providerID)
	}
	return o
}

func TestFindReusable(t *testing.T) {
	repo := repository.NewOrderRepository(testutil.NewDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, nil, newOrder("TOP1", "acc-1", "credits_70", "order_old", now.Add(-20*time.Minute))))
	require.NoError(t, repo.Create(ctx, nil, newOrder("TOP2", "acc-1", "credits_70", "order_new", now.Add(-5*time.Minute))))
	require.NoError(t, repo.Create(ctx, nil, newOrder("TOP3", "acc-1", "credits_30", "order_other", now.Add(-time.Minute))))

	got, err := repo.FindReusable(ctx, "acc-1", "credits_70", now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "order_new", got.ProviderOrderRef())

	none, err := repo.FindReusable(ctx, "acc-1", "credits_150", now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)

	// 已支付的订单不复用
	won, err := repo.MarkPaid(ctx, nil, got.ID, "pay_1", "sig", 70, now)
	require.NoError(t, err)
	require.True(t, won)
	none, err = repo.FindReusable(ctx, "acc-1", "credits_70", now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMarkPaidOnlyOnce(t *testing.T) {
	repo := repository.NewOrderRepository(testutil.NewDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	order := newOrder("TOP1", "acc-1", "credits_70", "order_1", now)
	require.NoError(t, repo.Create(ctx, nil, order))

	var wg sync.WaitGroup
	var winners atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.MarkPaid(ctx, nil, order.ID, "pay_1", "sig", 70, now)
			assert.NoError(t, err)
			if won {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())

	got, err := repo.GetByProviderOrderID(ctx, nil, "order_1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, got.Status)
	assert.Equal(t, int64(70), got.CreditsGranted)
	assert.Equal(t, "pay_1", got.ProviderPaymentRef())
	require.NotNil(t, got.PaidAt)

	byPayment, err := repo.GetByProviderPaymentID(ctx, nil, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, got.ID, byPayment.ID)

	// paid 为终态
	won, err := repo.MarkFailed(ctx, nil, order.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	repo := repository.NewOrderRepository(testutil.NewDB(t))

	_, err := repo.UpdateStatus(context.Background(), nil, 1, model.OrderStatusPaid, model.OrderStatusCreated, nil)
	assert.ErrorIs(t, err, repository.ErrOrderStatusInvalid)
}

func TestCreateRecurringIsKeyedByPayment(t *testing.T) {
	repo := repository.NewOrderRepository(testutil.NewDB(t))
	ctx := context.Background()

	o := newOrder("TOP1", "acc-1", "credits_30", "", time.Now().UTC())
	o.ProviderPaymentID = ref("pay_R1")
	o.SubscriptionID = "sub_1"
	first, err := repo.CreateRecurring(ctx, o)
	require.NoError(t, err)

	again := newOrder("TOP2", "acc-1", "credits_30", "", time.Now().UTC())
	again.ProviderPaymentID = ref("pay_R1")
	second, err := repo.CreateRecurring(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "TOP1", second.OrderNo)

	_, err = repo.CreateRecurring(ctx, newOrder("TOP3", "acc-1", "credits_30", "", time.Now()))
	assert.Error(t, err)
}

func TestListPendingAndByAccount(t *testing.T) {
	repo := repository.NewOrderRepository(testutil.NewDB(t))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Create(ctx, nil, newOrder("TOP1", "acc-1", "credits_70", "order_1", now.Add(-time.Hour))))
	require.NoError(t, repo.Create(ctx, nil, newOrder("TOP2", "acc-1", "credits_70", "order_2", now.Add(-time.Minute))))
	failed := newOrder("TOP3", "acc-1", "credits_70", "order_3", now.Add(-2*time.Hour))
	require.NoError(t, repo.Create(ctx, nil, failed))
	_, err := repo.MarkFailed(ctx, nil, failed.ID, "abandoned")
	require.NoError(t, err)

	pending, err := repo.ListPending(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "TOP1", pending[0].OrderNo)

	orders, total, err := repo.ListByAccountID(ctx, "acc-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, orders, 2)
	assert.Equal(t, "TOP2", orders[0].OrderNo)

	_, err = repo.GetByProviderOrderID(ctx, nil, "order_missing")
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}
