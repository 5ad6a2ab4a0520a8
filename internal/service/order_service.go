package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/infrastructure/provider"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/plan"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"
)

// ============================================================================
// 下单
// ============================================================================
//
// 同一账户同一套餐在复用窗口内只保留一张未支付订单：重复点击"购买"拿到的是同一个渠道订单号，
// 不会出现两张都能付款的订单。
//
// 并发的下单请求由 Redis 锁串行化（锁只覆盖"查复用 + 渠道建单 + 落库"，不涉及余额）。
// 先向渠道建单，成功后再落库；渠道失败时本地不留任何记录。
// ============================================================================

type OrderService struct {
	orderRepo   *repository.OrderRepository
	accountRepo *repository.AccountRepository
	redisClient *redis.Client
	gateway     provider.Gateway
	catalog     *plan.Catalog
	cfg         *config.Config
	log         *logrus.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewOrderService(db *gorm.DB, redisClient *redis.Client, gateway provider.Gateway, catalog *plan.Catalog,
	cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) *OrderService {
	return &OrderService{
		orderRepo:   repository.NewOrderRepository(db),
		accountRepo: repository.NewAccountRepository(db),
		redisClient: redisClient,
		gateway:     gateway,
		catalog:     catalog,
		cfg:         cfg,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}
}

// OrderResult 前端拉起支付所需的信息
type OrderResult struct {
	OrderNo         string `json:"order_no"`
	ProviderOrderID string `json:"provider_order_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	PlanID          string `json:"plan_id"`
	Credits         int64  `json:"credits"`
	KeyID           string `json:"key_id"`
	Reused          bool   `json:"reused"`
}

func (s *OrderService) CreateOrder(ctx context.Context, accountID, planID string) (*OrderResult, error) {
	p, err := s.catalog.Get(planID)
	if err != nil {
		s.metrics.Order("invalid_plan")
		return nil, err
	}
	if _, err := s.accountRepo.GetByAccountID(ctx, nil, accountID); err != nil {
		return nil, err
	}

	orderLock := lock.NewOrderLock(s.redisClient, accountID, planID, uuid.NewString(), s.lockTTL())
	if err := orderLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		if errors.Is(err, lock.ErrLockFailed) {
			s.metrics.Order("busy")
			return nil, ErrOrderBusy
		}
		return nil, fmt.Errorf("acquire order lock: %w", err)
	}
	defer func() {
		if _, err := orderLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).WithField("key", orderLock.Key()).Warn("release order lock")
		}
	}()

	now := s.now().UTC()
	reusable, err := s.orderRepo.FindReusable(ctx, accountID, planID, now.Add(-s.cfg.Business.OrderReuseWindow()))
	if err != nil {
		return nil, fmt.Errorf("find reusable order: %w", err)
	}
	if reusable != nil {
		s.metrics.Order("reused")
		return s.toResult(reusable, true), nil
	}

	orderNo := idgen.GenerateOrderNo()
	providerOrder, err := s.gateway.CreateOrder(ctx, provider.OrderRequest{
		AmountMinorUnits: p.PriceMinorUnits,
		Currency:         p.Currency,
		Receipt:          orderNo,
		Notes: map[string]string{
			"account_id": accountID,
			"plan_id":    planID,
			"order_no":   orderNo,
		},
	})
	if err != nil {
		s.metrics.Order("provider_error")
		s.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"plan_id":    planID,
		}).WithError(err).Warn("provider order creation failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	order := &model.PaymentOrder{
		OrderNo:          orderNo,
		AccountID:        accountID,
		PlanID:           planID,
		ProviderOrderID:  strPtr(providerOrder.ID),
		AmountMinorUnits: p.PriceMinorUnits,
		Currency:         p.Currency,
		Credits:          p.Credits,
		Status:           model.OrderStatusCreated,
		CreatedAt:        now,
	}
	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		s.log.WithFields(logrus.Fields{
			"account_id":        accountID,
			"provider_order_id": providerOrder.ID,
		}).WithError(err).Error("persist payment order")
		return nil, fmt.Errorf("persist payment order: %w", err)
	}

	s.metrics.Order("created")
	s.log.WithFields(logrus.Fields{
		"account_id":        accountID,
		"plan_id":           planID,
		"order_no":          orderNo,
		"provider_order_id": providerOrder.ID,
	}).Info("payment order created")

	return s.toResult(order, false), nil
}

// GetOrder 只返回属于该账户的订单，其他账户的订单按不存在处理
func (s *OrderService) GetOrder(ctx context.Context, accountID, providerOrderID string) (*model.PaymentOrder, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	order, err := s.orderRepo.GetByProviderOrderID(ctx, nil, providerOrderID)
	if err != nil {
		return nil, err
	}
	if order.AccountID != accountID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, accountID string, page, pageSize int) ([]*model.PaymentOrder, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.orderRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

// ListPlans 可购买的套餐
func (s *OrderService) ListPlans() []plan.Plan {
	return s.catalog.List()
}

// lockTTL 覆盖一次渠道建单调用
func (s *OrderService) lockTTL() time.Duration {
	ttl := s.cfg.Razorpay.Timeout() + 5*time.Second
	if ttl < 15*time.Second {
		ttl = 15 * time.Second
	}
	return ttl
}

func (s *OrderService) toResult(o *model.PaymentOrder, reused bool) *OrderResult {
	return &OrderResult{
		OrderNo:         o.OrderNo,
		ProviderOrderID: o.ProviderOrderRef(),
		Amount:          o.AmountMinorUnits,
		Currency:        o.Currency,
		PlanID:          o.PlanID,
		Credits:         o.Credits,
		KeyID:           s.gateway.KeyID(),
		Reused:          reused,
	}
}
