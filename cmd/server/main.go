package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"creditledger/internal/config"
	"creditledger/internal/handler"
	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/infrastructure/provider"
	"creditledger/internal/job"
	"creditledger/internal/logging"
	"creditledger/internal/metrics"
	"creditledger/internal/plan"
	"creditledger/internal/service"
	"creditledger/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 加载配置
	cfg := config.LoadConfig(*configPath)
	log := logging.NewLogger(cfg.Log)

	if err := idgen.Init(cfg.Server.NodeID); err != nil {
		log.WithError(err).Fatal("init id generator")
	}

	db, err := database.InitMySQL(&cfg.MySQL, log)
	if err != nil {
		log.WithError(err).Fatal("init mysql")
	}

	redisClient, err := cache.InitRedis(&cfg.Redis, log)
	if err != nil {
		log.WithError(err).Fatal("init redis")
	}
	defer redisClient.Close()

	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		log.WithError(err).Fatal("init kafka")
	}
	defer producer.Close()

	catalog, err := plan.FromConfig(cfg.Plans)
	if err != nil {
		log.WithError(err).Fatal("load plan catalog")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	gateway := provider.NewRazorpayGateway(cfg.Razorpay, log)

	refunds := service.NewRefundService(db, cfg, log, m)
	reconcile := service.NewReconcileService(db, gateway, catalog, service.NewWebhookDeduplicator(db), cfg, log, m)
	deps := handler.Dependencies{
		Accounts:  service.NewAccountService(db, log),
		Consume:   service.NewConsumeService(db, cfg, log, m, refunds),
		Refunds:   refunds,
		Orders:    service.NewOrderService(db, redisClient, gateway, catalog, cfg, log, m),
		Reconcile: reconcile,
		Log:       log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg, log, m)
	go outboxSender.Start(ctx)

	pendingOrderJob := job.NewPendingOrderJob(db, reconcile, cfg, log)
	go pendingOrderJob.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.SetupRouter(deps),
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// 先停后台任务，再等待进行中的请求完成（最多 5 秒）
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}

	log.Info("server stopped")
}
