package job

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
)

// OutboxSender 轮询 outbox 表，把账本事件投递到 Kafka
//
// 投递是至少一次：发送成功但标记 SENT 失败时，下一轮会重发，下游按 transaction_no 去重。
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   mq.Producer
	cfg        *config.Config
	log        *logrus.Logger
	metrics    *metrics.Metrics
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, producer mq.Producer, cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("outbox sender exiting: context done")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 投递一批待发送消息，返回成功条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.WithError(err).Error("load pending outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	fields := logrus.Fields{
		"outbox_id":  msg.ID,
		"topic":      msg.Topic,
		"key":        msg.MessageKey,
		"event_type": msg.EventType,
	}

	if err := s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
		s.metrics.Outbox("retry")
		s.log.WithFields(fields).WithError(err).Warn("outbox delivery failed")

		if err := s.outboxRepo.RecordFailure(ctx, msg, s.cfg.Business.MaxRetryCount); err != nil {
			s.log.WithFields(fields).WithError(err).Error("record outbox failure")
		} else if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
			s.metrics.Outbox("failed")
			s.log.WithFields(fields).Error("outbox message exceeded max retries, marked failed")
		}
		return false
	}

	if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
		s.log.WithFields(fields).WithError(err).Error("mark outbox message sent")
		return false
	}
	s.metrics.Outbox("sent")
	s.log.WithFields(fields).Debug("outbox message delivered")
	return true
}
