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
	"creditledger/internal/infrastructure/provider"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/plan"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"
)

// 入账来源
const (
	SourceClient  = "client"
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// webhook 处理结果
const (
	WebhookSignatureInvalid = "signature_invalid"
	WebhookMalformed        = "malformed"
	WebhookDuplicate        = "duplicate"
	WebhookCredited         = "credited"
	WebhookAlreadyCredited  = "already_credited"
	WebhookMarkedFailed     = "marked_failed"
	WebhookIgnored          = "ignored"
	WebhookError            = "error"
)

// 待支付订单对账结果
const (
	PendingStillOpen = "pending"
	PendingCredited  = "credited"
	PendingDuplicate = "duplicate"
	PendingAbandoned = "abandoned"
)

// errAlreadySettled 状态 CAS 未命中，订单已被其他路径处理
var errAlreadySettled = errors.New("payment order already settled")

// ============================================================================
// 支付确认对账
// ============================================================================
//
// 客户端回调、渠道 webhook、定时查单三条路径无序且可能重复到达，全部汇入 settle：
//
//   一个数据库事务内：
//     UPDATE payment_order SET status='paid' ... WHERE id = ? AND status = 'created'
//     命中（RowsAffected = 1）才给账户加积分、写 add 流水、写 outbox
//     未命中说明别的路径已经处理，重读订单按重复成功返回
//
// 状态迁移本身就是幂等栅栏，再叠加 add 流水的 reference_no = payment:<支付号> 唯一约束。
// 渠道调用（查单）都在事务之外。
// ============================================================================

type ReconcileService struct {
	db              *gorm.DB
	gateway         provider.Gateway
	catalog         *plan.Catalog
	dedup           *WebhookDeduplicator
	cfg             *config.Config
	log             *logrus.Logger
	metrics         *metrics.Metrics
	orderRepo       *repository.OrderRepository
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	now             func() time.Time
}

func NewReconcileService(db *gorm.DB, gateway provider.Gateway, catalog *plan.Catalog, dedup *WebhookDeduplicator,
	cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) *ReconcileService {
	return &ReconcileService{
		db:              db,
		gateway:         gateway,
		catalog:         catalog,
		dedup:           dedup,
		cfg:             cfg,
		log:             log,
		metrics:         m,
		orderRepo:       repository.NewOrderRepository(db),
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		now:             time.Now,
	}
}

// ClientConfirmation 支付完成后前端提交的回调参数
type ClientConfirmation struct {
	ProviderOrderID   string
	ProviderPaymentID string
	Signature         string
	PlanID            string
}

// Settlement 入账结果；重复确认同样视为成功，Duplicate 为 true
type Settlement struct {
	Credited          bool   `json:"credited"`
	CreditsAdded      int64  `json:"credits_added"`
	Balance           int64  `json:"balance"`
	Duplicate         bool   `json:"duplicate"`
	OrderNo           string `json:"order_no"`
	ProviderOrderID   string `json:"provider_order_id,omitempty"`
	ProviderPaymentID string `json:"provider_payment_id"`
}

func (s *ReconcileService) ConfirmByClient(ctx context.Context, req ClientConfirmation) (*Settlement, error) {
	fields := logrus.Fields{
		"provider_order_id":   req.ProviderOrderID,
		"provider_payment_id": req.ProviderPaymentID,
	}
	if !s.gateway.VerifyPaymentSignature(req.ProviderOrderID, req.ProviderPaymentID, req.Signature) {
		s.metrics.Confirmation(SourceClient, "signature_invalid")
		s.log.WithFields(fields).Warn("client confirmation rejected: signature mismatch")
		return nil, ErrSignatureInvalid
	}

	order, err := s.orderRepo.GetByProviderOrderID(ctx, nil, req.ProviderOrderID)
	if err != nil {
		s.metrics.Confirmation(SourceClient, "order_not_found")
		return nil, err
	}
	if req.PlanID != "" && req.PlanID != order.PlanID {
		s.metrics.Confirmation(SourceClient, "plan_mismatch")
		return nil, fmt.Errorf("%w: order %s is for plan %s", ErrInvalidPlan, order.OrderNo, order.PlanID)
	}

	return s.settle(ctx, order, req.ProviderPaymentID, req.Signature, SourceClient, nil)
}

// WebhookDelivery 一次 webhook 投递：原始报文、签名头、事件 ID 头
type WebhookDelivery struct {
	Payload   []byte
	Signature string
	EventID   string
}

type WebhookOutcome struct {
	Acknowledged bool   `json:"acknowledged"`
	EventID      string `json:"event_id,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	Action       string `json:"action"`
}

// webhookRecord 与入账写在同一事务内的通知记录
type webhookRecord struct {
	id        string
	eventType string
}

// ConfirmByWebhook 处理渠道通知，始终确认收到，处理失败只记录日志
//
// 入账类事件的去重记录与入账在同一事务内提交：处理失败时事件不留记录，渠道重投会再次处理。
// 其余事件在处理成功后记录。
func (s *ReconcileService) ConfirmByWebhook(ctx context.Context, delivery WebhookDelivery) WebhookOutcome {
	outcome := WebhookOutcome{Acknowledged: true}
	log := s.log.WithField("event_id_header", delivery.EventID)

	if !s.gateway.VerifyWebhookSignature(delivery.Payload, delivery.Signature) {
		outcome.Action = WebhookSignatureInvalid
		s.metrics.Webhook("unknown", outcome.Action)
		log.Warn("webhook rejected: signature mismatch")
		return outcome
	}

	evt, err := provider.ParseWebhookEvent(delivery.Payload)
	if err != nil {
		outcome.Action = WebhookMalformed
		s.metrics.Webhook("unknown", outcome.Action)
		log.WithError(err).Warn("webhook rejected: malformed payload")
		return outcome
	}
	outcome.EventType = evt.Event
	outcome.EventID = provider.EventID(delivery.EventID, evt, delivery.Payload)
	log = s.log.WithFields(logrus.Fields{"event_id": outcome.EventID, "event": evt.Event})

	seen, err := s.dedup.Seen(ctx, outcome.EventID)
	if err != nil {
		outcome.Action = WebhookError
		s.metrics.Webhook(evt.Event, outcome.Action)
		log.WithError(err).Error("check webhook event")
		return outcome
	}
	if seen {
		outcome.Action = WebhookDuplicate
		s.metrics.Webhook(evt.Event, outcome.Action)
		log.Info("duplicate webhook delivery ignored")
		return outcome
	}

	switch evt.Event {
	case provider.EventPaymentCaptured, provider.EventOrderPaid, provider.EventSubscriptionCharged:
		settlement, err := s.handleCaptured(ctx, evt, &webhookRecord{id: outcome.EventID, eventType: evt.Event})
		switch {
		case errors.Is(err, ErrAlreadyRecorded):
			outcome.Action = WebhookDuplicate
			log.Info("duplicate webhook delivery ignored")
		case err != nil:
			outcome.Action = WebhookError
			log.WithError(err).Error("webhook settlement failed")
		case settlement.Duplicate:
			outcome.Action = WebhookAlreadyCredited
			s.record(ctx, outcome, log)
		default:
			outcome.Action = WebhookCredited
		}
	case provider.EventPaymentFailed:
		action, err := s.handleFailed(ctx, evt)
		outcome.Action = action
		if err != nil {
			log.WithError(err).Error("webhook failure handling failed")
		} else {
			s.record(ctx, outcome, log)
		}
	default:
		outcome.Action = WebhookIgnored
		s.record(ctx, outcome, log)
		log.Debug("webhook event ignored")
	}

	s.metrics.Webhook(evt.Event, outcome.Action)
	return outcome
}

// record 记录已处理完的事件；失败只影响去重，重投时按幂等流程再处理一次
func (s *ReconcileService) record(ctx context.Context, outcome WebhookOutcome, log *logrus.Entry) {
	err := s.dedup.Record(ctx, outcome.EventID, outcome.EventType)
	if err != nil && !errors.Is(err, ErrAlreadyRecorded) {
		log.WithError(err).Warn("record webhook event")
	}
}

func (s *ReconcileService) handleCaptured(ctx context.Context, evt *provider.WebhookEvent, event *webhookRecord) (*Settlement, error) {
	payment := evt.Payment
	if payment == nil || payment.ID == "" {
		return nil, fmt.Errorf("%s without payment entity", evt.Event)
	}

	var order *model.PaymentOrder
	var err error
	if orderID := evt.ProviderOrderID(); orderID != "" {
		order, err = s.orderRepo.GetByProviderOrderID(ctx, nil, orderID)
		if err != nil {
			return nil, fmt.Errorf("provider order %s: %w", orderID, err)
		}
		if payment.AmountMinorUnits != 0 && payment.AmountMinorUnits != order.AmountMinorUnits {
			return nil, fmt.Errorf("payment %s amount %d does not match order %s amount %d",
				payment.ID, payment.AmountMinorUnits, order.OrderNo, order.AmountMinorUnits)
		}
	} else {
		order, err = s.recurringOrder(ctx, evt)
		if err != nil {
			return nil, err
		}
	}

	return s.settle(ctx, order, payment.ID, "", SourceWebhook, event)
}

// recurringOrder 周期扣款没有渠道订单号，按 notes 中的付款账户与套餐建单
func (s *ReconcileService) recurringOrder(ctx context.Context, evt *provider.WebhookEvent) (*model.PaymentOrder, error) {
	accountID, planID := evt.Note("account_id"), evt.Note("plan_id")
	if accountID == "" || planID == "" {
		return nil, fmt.Errorf("payment %s has no order id and no payer identity in notes", evt.Payment.ID)
	}
	p, err := s.catalog.Get(planID)
	if err != nil {
		return nil, err
	}
	if _, err := s.accountRepo.GetByAccountID(ctx, nil, accountID); err != nil {
		return nil, fmt.Errorf("payer %s: %w", accountID, err)
	}

	amount, currency := evt.Payment.AmountMinorUnits, evt.Payment.Currency
	if amount == 0 {
		amount = p.PriceMinorUnits
	}
	if currency == "" {
		currency = p.Currency
	}
	return s.orderRepo.CreateRecurring(ctx, &model.PaymentOrder{
		OrderNo:           idgen.GenerateOrderNo(),
		AccountID:         accountID,
		PlanID:            planID,
		ProviderPaymentID: strPtr(evt.Payment.ID),
		SubscriptionID:    evt.SubscriptionID,
		AmountMinorUnits:  amount,
		Currency:          currency,
		Credits:           p.Credits,
		Status:            model.OrderStatusCreated,
		CreatedAt:         s.now().UTC(),
	})
}

func (s *ReconcileService) handleFailed(ctx context.Context, evt *provider.WebhookEvent) (string, error) {
	orderID := evt.ProviderOrderID()
	if orderID == "" {
		return WebhookIgnored, nil
	}
	order, err := s.orderRepo.GetByProviderOrderID(ctx, nil, orderID)
	if err != nil {
		return WebhookError, fmt.Errorf("provider order %s: %w", orderID, err)
	}

	reason := "payment failed"
	if evt.Payment != nil {
		reason = fmt.Sprintf("payment %s failed", evt.Payment.ID)
	}
	won, err := s.orderRepo.MarkFailed(ctx, nil, order.ID, reason)
	if err != nil {
		return WebhookError, err
	}
	if !won {
		return WebhookIgnored, nil
	}
	s.log.WithFields(logrus.Fields{
		"order_no":          order.OrderNo,
		"provider_order_id": orderID,
		"account_id":        order.AccountID,
	}).Info("payment order marked failed")
	return WebhookMarkedFailed, nil
}

// ReconcilePending 向渠道查询一张未支付订单：已扣款则入账，长期无支付尝试则关闭
func (s *ReconcileService) ReconcilePending(ctx context.Context, order *model.PaymentOrder) (string, error) {
	remote, err := s.gateway.FetchOrder(ctx, order.ProviderOrderRef())
	if err != nil {
		return PendingStillOpen, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	if payment, ok := remote.CapturedPayment(); ok {
		settlement, err := s.settle(ctx, order, payment.ID, "", SourcePoll, nil)
		if err != nil {
			return PendingStillOpen, err
		}
		if settlement.Duplicate {
			return PendingDuplicate, nil
		}
		return PendingCredited, nil
	}

	if !remote.HasAttempt() && s.now().Sub(order.CreatedAt) >= s.cfg.Business.OrderAbandonAfter() {
		won, err := s.orderRepo.MarkFailed(ctx, nil, order.ID, "abandoned: no payment attempt")
		if err != nil {
			return PendingStillOpen, err
		}
		if won {
			return PendingAbandoned, nil
		}
	}
	return PendingStillOpen, nil
}

// settle 三条确认路径共用的入账流程，event 非空时通知记录随入账一起提交
func (s *ReconcileService) settle(ctx context.Context, order *model.PaymentOrder, paymentID, signature, source string, event *webhookRecord) (*Settlement, error) {
	fields := logrus.Fields{
		"order_no":            order.OrderNo,
		"provider_order_id":   order.ProviderOrderRef(),
		"provider_payment_id": paymentID,
		"account_id":          order.AccountID,
		"source":              source,
	}

	switch order.Status {
	case model.OrderStatusPaid:
		return s.duplicate(ctx, order, source)
	case model.OrderStatusFailed:
		return nil, s.rejectFailed(order, fields, source)
	}

	now := s.now().UTC()
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event != nil {
			if err := s.dedup.RecordTx(ctx, tx, event.id, event.eventType); err != nil {
				return err
			}
		}

		won, err := s.orderRepo.MarkPaid(ctx, tx, order.ID, paymentID, signature, order.Credits, now)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		if !won {
			return errAlreadySettled
		}

		balance, err = s.accountRepo.TopUp(ctx, tx, order.AccountID, order.Credits, now)
		if err != nil {
			return fmt.Errorf("top up account: %w", err)
		}

		inserted, err := s.transactionRepo.CreateIfAbsent(ctx, tx, &model.CreditTransaction{
			TransactionNo:   idgen.GenerateTransactionNo(),
			AccountID:       order.AccountID,
			Amount:          order.Credits,
			Action:          model.TransactionActionAdd,
			Feature:         "purchase:" + order.PlanID,
			PreviousBalance: balance - order.Credits,
			NewBalance:      balance,
			Status:          model.TransactionStatusSuccess,
			ReferenceNo:     strPtr(paymentReference(paymentID)),
			Metadata: datatypes.JSONMap{
				"order_no":            order.OrderNo,
				"plan_id":             order.PlanID,
				"provider_order_id":   order.ProviderOrderRef(),
				"provider_payment_id": paymentID,
				"source":              source,
			},
		})
		if err != nil {
			return fmt.Errorf("write add transaction: %w", err)
		}
		if !inserted {
			return errDuplicateReference
		}

		return publishLedgerEvent(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.LedgerEvents, model.LedgerEvent{
			Type:              model.EventCreditsPurchased,
			AccountID:         order.AccountID,
			Amount:            order.Credits,
			Balance:           balance,
			PlanID:            order.PlanID,
			ProviderOrderID:   order.ProviderOrderRef(),
			ProviderPaymentID: paymentID,
			OccurredAt:        now,
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRecorded):
		// 同一事件的另一次投递已经入账
		return nil, err
	case errors.Is(err, errAlreadySettled), errors.Is(err, errDuplicateReference):
		current, reloadErr := s.orderRepo.GetByID(ctx, nil, order.ID)
		if reloadErr != nil {
			return nil, fmt.Errorf("reload order %s: %w", order.OrderNo, reloadErr)
		}
		if current.Status == model.OrderStatusFailed {
			return nil, s.rejectFailed(current, fields, source)
		}
		if current.Status != model.OrderStatusPaid {
			s.metrics.Confirmation(source, "error")
			return nil, fmt.Errorf("order %s: %w", order.OrderNo, err)
		}
		return s.duplicate(ctx, current, source)
	default:
		s.metrics.Confirmation(source, "error")
		s.log.WithFields(fields).WithError(err).Error("settle payment")
		return nil, err
	}

	s.metrics.Confirmation(source, "credited")
	s.metrics.Purchased(order.PlanID, source, order.Credits)
	s.log.WithFields(fields).WithFields(logrus.Fields{
		"credits": order.Credits,
		"balance": balance,
	}).Info("payment settled, credits granted")

	return &Settlement{
		Credited:          true,
		CreditsAdded:      order.Credits,
		Balance:           balance,
		OrderNo:           order.OrderNo,
		ProviderOrderID:   order.ProviderOrderRef(),
		ProviderPaymentID: paymentID,
	}, nil
}

func (s *ReconcileService) duplicate(ctx context.Context, order *model.PaymentOrder, source string) (*Settlement, error) {
	account, err := s.accountRepo.GetByAccountID(ctx, nil, order.AccountID)
	if err != nil {
		return nil, err
	}
	s.metrics.Confirmation(source, "duplicate")
	return &Settlement{
		Credited:          true,
		CreditsAdded:      order.CreditsGranted,
		Balance:           account.CreditBalance,
		Duplicate:         true,
		OrderNo:           order.OrderNo,
		ProviderOrderID:   order.ProviderOrderRef(),
		ProviderPaymentID: order.ProviderPaymentRef(),
	}, nil
}

// rejectFailed 已关闭的订单又收到支付成功，需要人工处理（通常是渠道侧退款）
func (s *ReconcileService) rejectFailed(order *model.PaymentOrder, fields logrus.Fields, source string) error {
	s.metrics.Confirmation(source, "not_payable")
	s.log.WithFields(fields).WithField("failure_reason", order.FailureReason).
		Error("payment confirmed for a failed order, manual review required")
	return fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.OrderNo, order.Status)
}

func paymentReference(providerPaymentID string) string {
	return "payment:" + providerPaymentID
}
