package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"creditledger/internal/service"
)

// Dependencies 路由所需的服务
type Dependencies struct {
	Accounts  *service.AccountService
	Consume   *service.ConsumeService
	Refunds   *service.RefundService
	Orders    *service.OrderService
	Reconcile *service.ReconcileService
	Log       *logrus.Logger
	// Gatherer 为 nil 时使用 prometheus 默认注册表
	Gatherer prometheus.Gatherer
}

// SetupRouter 配置路由
func SetupRouter(deps Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(RecoveryMiddleware(deps.Log))
	r.Use(LoggerMiddleware(deps.Log))
	r.Use(CORSMiddleware())

	h := NewHandler(deps)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.POST("/open", h.OpenAccount)
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
			account.GET("/audit", h.AuditChain)
		}

		credits := api.Group("/credits")
		{
			credits.POST("/consume", h.Consume)
			credits.POST("/refund", h.Refund)
			credits.GET("/features", h.ListFeatures)
		}

		api.GET("/plans", h.ListPlans)

		payment := api.Group("/payment")
		{
			payment.POST("/order", h.CreateOrder)
			payment.GET("/order/detail", h.GetOrder)
			payment.GET("/order/list", h.ListOrders)
			payment.POST("/verify", h.VerifyPayment)
			payment.POST("/webhook", h.Webhook)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
