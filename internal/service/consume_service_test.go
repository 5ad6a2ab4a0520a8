package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditledger/internal/model"
)

func TestTryConsumeDebitsBalance(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 5)

	res, err := f.consume.TryConsume(context.Background(), ConsumeRequest{
		AccountID: "acc-1",
		Amount:    2,
		Feature:   "seo_title",
		Metadata:  map[string]interface{}{"post_id": "p-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.PreviousBalance)
	assert.Equal(t, int64(3), res.NewBalance)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(3), f.balance(t, "acc-1"))
	assert.Equal(t, int64(1), f.countTransactions(t, "acc-1", model.TransactionActionDeduct, model.TransactionStatusSuccess))
	assert.Equal(t, int64(1), f.countOutbox(t, model.EventCreditsConsumed))
}

func TestTryConsumeUsesFeatureCost(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 10)

	res, err := f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-1", Feature: "full_article"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Amount)
	assert.Equal(t, int64(5), f.balance(t, "acc-1"))

	_, err = f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-1", Feature: "podcast"})
	assert.ErrorIs(t, err, ErrUnknownFeature)

	_, err = f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-1", Amount: -1, Feature: "seo_title"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTryConsumeInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 1)

	_, err := f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-1", Feature: "full_article"})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	var short *InsufficientCreditsError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, int64(5), short.Required)
	assert.Equal(t, int64(1), short.Available)

	assert.Equal(t, int64(1), f.balance(t, "acc-1"))
	assert.Equal(t, int64(0), f.countTransactions(t, "acc-1", model.TransactionActionDeduct, model.TransactionStatusSuccess))
	assert.Equal(t, int64(1), f.countTransactions(t, "acc-1", model.TransactionActionDeduct, model.TransactionStatusFailed))
	assert.Equal(t, int64(0), f.countOutbox(t, model.EventCreditsConsumed))
}

func TestTryConsumeUnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "ghost", Amount: 1, Feature: "seo_title"})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTryConsumeIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 5)
	req := ConsumeRequest{AccountID: "acc-1", Amount: 2, Feature: "article_outline", IdempotencyKey: "req-42"}

	first, err := f.consume.TryConsume(context.Background(), req)
	require.NoError(t, err)
	second, err := f.consume.TryConsume(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionNo, second.TransactionNo)
	assert.Equal(t, int64(3), second.NewBalance)
	assert.Equal(t, int64(3), f.balance(t, "acc-1"))

	// 不同账户可以使用相同的幂等键
	f.openWithCredits(t, "acc-2", 5)
	other, err := f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-2", Amount: 2, Feature: "article_outline", IdempotencyKey: "req-42"})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
}

func TestTryConsumeRejectsReusedKeyWithDifferentParams(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 10)
	ctx := context.Background()

	_, err := f.consume.TryConsume(ctx, ConsumeRequest{AccountID: "acc-1", Amount: 2, Feature: "article_outline", IdempotencyKey: "req-7"})
	require.NoError(t, err)

	_, err = f.consume.TryConsume(ctx, ConsumeRequest{AccountID: "acc-1", Amount: 5, Feature: "article_outline", IdempotencyKey: "req-7"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict, "different amount")

	_, err = f.consume.TryConsume(ctx, ConsumeRequest{AccountID: "acc-1", Feature: "full_article", IdempotencyKey: "req-7"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict, "different feature")

	// 按价目表解析出相同金额时仍是同一请求
	same, err := f.consume.TryConsume(ctx, ConsumeRequest{AccountID: "acc-1", Feature: "article_outline", IdempotencyKey: "req-7"})
	require.NoError(t, err)
	assert.True(t, same.Duplicate)

	assert.Equal(t, int64(8), f.balance(t, "acc-1"))
	assert.Equal(t, int64(1), f.countTransactions(t, "acc-1", model.TransactionActionDeduct, model.TransactionStatusSuccess))
}

func TestConcurrentIdempotentConsumeBillsOnce(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 10)

	var wg sync.WaitGroup
	var fresh atomic.Int64
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.consume.TryConsume(context.Background(), ConsumeRequest{
				AccountID: "acc-1", Amount: 3, Feature: "seo_title", IdempotencyKey: "same",
			})
			if assert.NoError(t, err) && !res.Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fresh.Load())
	assert.Equal(t, int64(7), f.balance(t, "acc-1"))
}

// 余额 1 时两个并发的 1 积分请求，恰好一个成功
func TestConcurrentConsumeLastCredit(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-1", Amount: 1, Feature: "seo_title"})
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientCredits):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, int64(0), f.balance(t, "acc-1"))
}

func TestBalanceNeverNegativeUnderLoad(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 10)

	var wg sync.WaitGroup
	var spent atomic.Int64
	for i := 0; i < 30; i++ {
		amount := int64(rand.Intn(3) + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.consume.TryConsume(context.Background(), ConsumeRequest{AccountID: "acc-1", Amount: amount, Feature: "seo_title"})
			if err == nil {
				spent.Add(amount)
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}()
	}
	wg.Wait()

	balance := f.balance(t, "acc-1")
	assert.GreaterOrEqual(t, balance, int64(0))
	assert.Equal(t, int64(10)-spent.Load(), balance)

	report, err := f.accounts.AuditChain(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, "breaks: %+v", report.Breaks)
}

func TestBillFeatureRefundsOnFailure(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 5)

	ctx, cancel := context.WithCancel(context.Background())
	genErr := errors.New("generation backend timed out")
	_, err := f.consume.BillFeature(ctx, ConsumeRequest{AccountID: "acc-1", Feature: "full_article"}, func(context.Context) error {
		// 调用方在生成过程中断开
		cancel()
		return genErr
	})
	require.ErrorIs(t, err, genErr)

	assert.Equal(t, int64(5), f.balance(t, "acc-1"))
	assert.Equal(t, int64(1), f.countTransactions(t, "acc-1", model.TransactionActionDeduct, model.TransactionStatusSuccess))
	assert.Equal(t, int64(1), f.countTransactions(t, "acc-1", model.TransactionActionRefund, model.TransactionStatusSuccess))
}

func TestBillFeatureKeepsChargeOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 5)

	called := false
	res, err := f.consume.BillFeature(context.Background(), ConsumeRequest{AccountID: "acc-1", Feature: "article_outline"}, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, int64(3), res.NewBalance)
	assert.Equal(t, int64(3), f.balance(t, "acc-1"))
}

func TestBillFeatureSkipsOpWhenShort(t *testing.T) {
	f := newFixture(t)
	f.openWithCredits(t, "acc-1", 0)

	_, err := f.consume.BillFeature(context.Background(), ConsumeRequest{AccountID: "acc-1", Feature: "seo_title"}, func(context.Context) error {
		t.Fatal("op must not run without credits")
		return nil
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}
