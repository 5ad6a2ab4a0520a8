package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/model"
)

func TestCreateOrderReusesWithinWindow(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)
	ctx := context.Background()

	first, err := f.orders.CreateOrder(ctx, "acc-1", "credits_70")
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, int64(49900), first.Amount)
	assert.Equal(t, "INR", first.Currency)
	assert.Equal(t, int64(70), first.Credits)
	assert.NotEmpty(t, first.KeyID)

	second, err := f.orders.CreateOrder(ctx, "acc-1", "credits_70")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.ProviderOrderID, second.ProviderOrderID)
	assert.Equal(t, 1, f.gateway.CreateCalls)

	// 其他套餐单独建单
	other, err := f.orders.CreateOrder(ctx, "acc-1", "credits_30")
	require.NoError(t, err)
	assert.NotEqual(t, first.ProviderOrderID, other.ProviderOrderID)
	assert.Equal(t, 2, f.gateway.CreateCalls)
}

func TestCreateOrderAfterWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)
	ctx := context.Background()

	first, err := f.orders.CreateOrder(ctx, "acc-1", "credits_10")
	require.NoError(t, err)

	f.orders.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	second, err := f.orders.CreateOrder(ctx, "acc-1", "credits_10")
	require.NoError(t, err)
	assert.False(t, second.Reused)
	assert.NotEqual(t, first.ProviderOrderID, second.ProviderOrderID)
}

func TestConcurrentCheckoutCreatesOneOrder(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.orders.CreateOrder(context.Background(), "acc-1", "credits_70")
			if assert.NoError(t, err) {
				ids[i] = res.ProviderOrderID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.gateway.CreateCalls)
}

func TestCreateOrderProviderFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)
	f.gateway.CreateErr = errors.New("connection reset")

	_, err := f.orders.CreateOrder(context.Background(), "acc-1", "credits_70")
	require.ErrorIs(t, err, ErrProviderUnavailable)

	var n int64
	require.NoError(t, f.db.Model(&model.PaymentOrder{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
	assert.False(t, f.redis.Exists("order:lock:account:acc-1:plan:credits_70"), "lock released")
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)

	_, err := f.orders.CreateOrder(context.Background(), "acc-1", "credits_999")
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = f.orders.CreateOrder(context.Background(), "ghost", "credits_10")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, 0, f.gateway.CreateCalls)
}

func TestGetAndListOrders(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)
	ctx := context.Background()

	res, err := f.orders.CreateOrder(ctx, "acc-1", "credits_10")
	require.NoError(t, err)

	order, err := f.orders.GetOrder(ctx, "acc-1", res.ProviderOrderID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderNo, order.OrderNo)
	assert.Equal(t, model.OrderStatusCreated, order.Status)

	_, err = f.orders.GetOrder(ctx, "acc-2", res.ProviderOrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = f.orders.GetOrder(ctx, "", res.ProviderOrderID)
	assert.ErrorIs(t, err, ErrInvalidAccount, "lookups are always scoped to an account")

	orders, total, err := f.orders.ListOrders(ctx, "acc-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, orders, 1)

	assert.Len(t, f.orders.ListPlans(), 4)
}
