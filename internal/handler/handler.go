package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/pkg/response"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accounts  *service.AccountService
	consume   *service.ConsumeService
	refunds   *service.RefundService
	orders    *service.OrderService
	reconcile *service.ReconcileService
	log       *logrus.Logger
}

// NewHandler 创建处理器实例
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		accounts:  deps.Accounts,
		consume:   deps.Consume,
		refunds:   deps.Refunds,
		orders:    deps.Orders,
		reconcile: deps.Reconcile,
		log:       deps.Log,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

type OpenAccountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Kind      string `json:"kind"`
}

// OpenAccount 开户，重复调用返回已有账户
// POST /api/v1/account/open
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = model.AccountKindEndUser
	}

	account, created, err := h.accounts.OpenAccount(c.Request.Context(), req.AccountID, req.Kind)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account": account,
		"created": created,
	})
}

// GetBalance 查询余额
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	account, err := h.accounts.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id":              account.AccountID,
		"kind":                    account.Kind,
		"credit_balance":          account.CreditBalance,
		"total_credits_purchased": account.TotalCreditsPurchased,
		"last_topup_at":           account.LastTopupAt,
	})
}

// ListTransactions 按时间范围查询流水，from/to 为 RFC3339
// GET /api/v1/account/transactions?account_id=xxx&from=&to=&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	q := repository.TransactionQuery{AccountID: c.Query("account_id")}
	if q.AccountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	var err error
	if q.From, err = parseTime(c.Query("from")); err != nil {
		response.ParamError(c, "from must be RFC3339")
		return
	}
	if q.To, err = parseTime(c.Query("to")); err != nil {
		response.ParamError(c, "to must be RFC3339")
		return
	}
	q.Page, q.PageSize = pageParams(c)

	list, total, err := h.accounts.ListTransactions(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      q.Page,
		"page_size": q.PageSize,
	})
}

// AuditChain 账链核对
// GET /api/v1/account/audit?account_id=xxx
func (h *Handler) AuditChain(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	report, err := h.accounts.AuditChain(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

// ============================================================
// 积分消费与退还
// ============================================================

// Consume 扣费
// POST /api/v1/credits/consume
//
// 余额不足返回 403，data 中带 required / available，前端据此引导购买。
func (h *Handler) Consume(c *gin.Context) {
	var req service.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.consume.TryConsume(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// Refund 功能执行失败后的补偿退还
// POST /api/v1/credits/refund
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.refunds.Refund(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListFeatures 功能价目表
// GET /api/v1/credits/features
func (h *Handler) ListFeatures(c *gin.Context) {
	response.Success(c, h.consume.Costs())
}

// ============================================================
// 购买与支付确认
// ============================================================

// ListPlans 套餐列表
// GET /api/v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	response.Success(c, h.orders.ListPlans())
}

type CreateOrderRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	PlanID    string `json:"plan_id" binding:"required"`
}

// CreateOrder 创建（或复用）渠道订单
// POST /api/v1/payment/order
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.orders.CreateOrder(c.Request.Context(), req.AccountID, req.PlanID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// GetOrder 查询订单
// GET /api/v1/payment/order/detail?provider_order_id=xxx&account_id=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	providerOrderID, accountID := c.Query("provider_order_id"), c.Query("account_id")
	if providerOrderID == "" || accountID == "" {
		response.ParamError(c, "provider_order_id and account_id are required")
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), accountID, providerOrderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, order)
}

// ListOrders 查询账户订单列表
// GET /api/v1/payment/order/list?account_id=xxx&page=1&page_size=20
func (h *Handler) ListOrders(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}
	page, pageSize := pageParams(c)

	orders, total, err := h.orders.ListOrders(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// VerifyPaymentRequest 支付完成后前端转交的渠道回调参数
type VerifyPaymentRequest struct {
	ProviderOrderID   string `json:"razorpay_order_id" binding:"required"`
	ProviderPaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature         string `json:"razorpay_signature" binding:"required"`
	PlanID            string `json:"plan_id"`
}

// VerifyPayment 客户端支付确认，重复提交同样返回成功
// POST /api/v1/payment/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	settlement, err := h.reconcile.ConfirmByClient(c.Request.Context(), service.ClientConfirmation{
		ProviderOrderID:   req.ProviderOrderID,
		ProviderPaymentID: req.ProviderPaymentID,
		Signature:         req.Signature,
		PlanID:            req.PlanID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, settlement)
}

// Webhook 渠道异步通知
// POST /api/v1/payment/webhook
//
// 无论处理结果如何都返回 200，避免渠道对已落库的事件无限重投。
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		h.log.WithError(err).Warn("read webhook body")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	outcome := h.reconcile.ConfirmByWebhook(c.Request.Context(), service.WebhookDelivery{
		Payload:   payload,
		Signature: c.GetHeader("X-Razorpay-Signature"),
		EventID:   c.GetHeader("X-Razorpay-Event-Id"),
	})
	h.log.WithFields(logrus.Fields{
		"event_id": outcome.EventID,
		"event":    outcome.EventType,
		"action":   outcome.Action,
	}).Debug("webhook acknowledged")

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ============================================================
// 错误映射
// ============================================================

// fail 把业务错误映射为 HTTP 状态码，未识别的错误记日志后返回 500
func (h *Handler) fail(c *gin.Context, err error) {
	var shortfall *service.InsufficientCreditsError
	switch {
	case errors.As(err, &shortfall):
		response.Fail(c, http.StatusForbidden, response.CodeInsufficientCredits, "insufficient credits", gin.H{
			"required":  shortfall.Required,
			"available": shortfall.Available,
		})
	case errors.Is(err, service.ErrAccountNotFound):
		response.NotFound(c, response.CodeAccountNotFound, "account not found")
	case errors.Is(err, service.ErrOrderNotFound):
		response.NotFound(c, response.CodeOrderNotFound, "order not found")
	case errors.Is(err, service.ErrInvalidPlan):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidPlan, err.Error())
	case errors.Is(err, service.ErrRefundMismatch):
		response.Error(c, http.StatusBadRequest, response.CodeRefundRejected, err.Error())
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidAccount),
		errors.Is(err, service.ErrIdempotencyConflict),
		errors.Is(err, service.ErrUnknownFeature):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrSignatureInvalid):
		// 不透露校验细节
		response.Error(c, http.StatusBadRequest, response.CodePaymentVerifyFailed, "payment verification failed")
	case errors.Is(err, service.ErrProviderUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.CodeProviderUnavailable, "payment provider unavailable, retry later")
	case errors.Is(err, service.ErrOrderBusy):
		response.BusinessError(c, response.CodeSystemBusy, "checkout already in progress")
	case errors.Is(err, service.ErrOrderNotPayable):
		response.BusinessError(c, response.CodeOrderNotPayable, "order is not payable")
	default:
		h.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).WithError(err).Error("request failed")
		response.ServerError(c, "internal error")
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}
