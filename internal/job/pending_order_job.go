package job

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"creditledger/internal/config"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
)

// pendingReconciler 对单张订单向渠道查单并入账
type pendingReconciler interface {
	ReconcilePending(ctx context.Context, order *model.PaymentOrder) (string, error)
}

// PendingOrderJob 未支付订单对账
//
// webhook 丢失、客户端回调没有到达、webhook 已确认但处理失败，
// 这些情况下订单会停在 created。任务定期向渠道查询超过宽限期的订单，
// 已扣款的走同一入账流程，长期没有支付尝试的关闭。
type PendingOrderJob struct {
	orderRepo  *repository.OrderRepository
	reconciler pendingReconciler
	cfg        *config.Config
	log        *logrus.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	now        func() time.Time
}

func NewPendingOrderJob(db *gorm.DB, reconciler pendingReconciler, cfg *config.Config, log *logrus.Logger) *PendingOrderJob {
	interval := cfg.Business.ReconcileInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingOrderJob{
		orderRepo:  repository.NewOrderRepository(db),
		reconciler: reconciler,
		cfg:        cfg,
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  50,
		now:        time.Now,
	}
}

func (j *PendingOrderJob) Start(ctx context.Context) {
	j.log.WithField("interval", j.interval.String()).Info("pending order job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("pending order job exiting: context done")
			return
		case <-j.stopCh:
			j.log.Info("pending order job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PendingOrderJob) Stop() {
	close(j.stopCh)
}

// RunOnce 处理一批订单，返回各结果的数量
func (j *PendingOrderJob) RunOnce(ctx context.Context) map[string]int {
	summary := map[string]int{}

	before := j.now().Add(-j.cfg.Business.PendingOrderGrace())
	orders, err := j.orderRepo.ListPending(ctx, before, j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("list pending orders")
		return summary
	}
	if len(orders) == 0 {
		return summary
	}

	for _, order := range orders {
		action, err := j.reconciler.ReconcilePending(ctx, order)
		if err != nil {
			summary["error"]++
			entry := j.log.WithFields(logrus.Fields{
				"order_no":          order.OrderNo,
				"provider_order_id": order.ProviderOrderRef(),
			}).WithError(err)
			if errors.Is(err, service.ErrProviderUnavailable) {
				entry.Warn("pending order check deferred")
			} else {
				entry.Error("pending order reconcile failed")
			}
			continue
		}
		summary[action]++
	}

	j.log.WithFields(logrus.Fields{
		"checked":   len(orders),
		"credited":  summary[service.PendingCredited],
		"abandoned": summary[service.PendingAbandoned],
		"errors":    summary["error"],
	}).Info("pending orders reconciled")
	return summary
}

