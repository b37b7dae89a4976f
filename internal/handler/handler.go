package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"coinledger/internal/config"
	"coinledger/internal/service"
	"coinledger/pkg/response"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService    *service.AccountService
	settlementService *service.SettlementService
	purchaseService   *service.PurchaseService
	readService       *service.ReadService
	webhookService    *service.WebhookService
	cfg               *config.Config
}

type Services struct {
	Accounts   *service.AccountService
	Settlement *service.SettlementService
	Purchases  *service.PurchaseService
	Reads      *service.ReadService
	Webhooks   *service.WebhookService
}

func NewHandler(svc Services, cfg *config.Config) *Handler {
	return &Handler{
		accountService:    svc.Accounts,
		settlementService: svc.Settlement,
		purchaseService:   svc.Purchases,
		readService:       svc.Reads,
		webhookService:    svc.Webhooks,
		cfg:               cfg,
	}
}

// fail 把服务层错误映射成 HTTP 状态码和业务码
func fail(c *gin.Context, err error) {
	var insufficient *service.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		response.ErrorWithData(c, http.StatusBadRequest, response.CodeBalanceNotEnough, service.ErrInsufficientFunds.Error(), gin.H{
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, service.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrOrderNotFound):
		response.Error(c, http.StatusNotFound, response.CodeOrderNotFound, service.ErrOrderNotFound.Error())
	case errors.Is(err, service.ErrItemNotFound):
		response.Error(c, http.StatusNotFound, response.CodeItemNotFound, service.ErrItemNotFound.Error())
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, service.ErrNotFound.Error())
	case errors.Is(err, service.ErrUnauthenticated):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, service.ErrPaymentNotCompleted):
		response.Error(c, http.StatusBadRequest, response.CodePaymentNotCompleted, err.Error())
	case errors.Is(err, service.ErrNotPurchasable):
		response.Error(c, http.StatusBadRequest, response.CodeNotPurchasable, err.Error())
	case errors.Is(err, service.ErrAlreadyPurchased):
		response.Error(c, http.StatusConflict, response.CodeAlreadyPurchased, err.Error())
	case errors.Is(err, service.ErrCaptureMismatch):
		response.Error(c, http.StatusConflict, response.CodeCaptureMismatch, err.Error())
	case errors.Is(err, service.ErrOrderNotPending):
		response.Error(c, http.StatusConflict, response.CodeOrderStatusInvalid, err.Error())
	case errors.Is(err, service.ErrBusy):
		response.Error(c, http.StatusTooManyRequests, response.CodeBusy, service.ErrBusy.Error())
	case errors.Is(err, service.ErrGatewayUnavailable):
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("支付网关不可用")
		response.Error(c, http.StatusBadGateway, response.CodeGatewayUnavailable, service.ErrGatewayUnavailable.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("请求处理失败")
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询硬币余额
// GET /api/v1/account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account, err := h.accountService.GetAccount(c.Request.Context(), currentUserID(c))
	if err != nil {
		fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"userId":  account.UserID,
		"balance": account.Balance,
	})
}

// ListTransactions 账户流水
// GET /api/v1/account/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.accountService.ListTransactions(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 硬币购买接口
// ============================================================

type CreateCoinOrderRequest struct {
	CoinAmount int64   `json:"coinAmount" binding:"required,gt=0"`
	AmountPaid float64 `json:"amountPaid" binding:"required,gt=0"`
}

// CreateCoinOrder 创建硬币订单，返回网关支付链接
// POST /api/v1/payment/coins/create-order
func (h *Handler) CreateCoinOrder(c *gin.Context) {
	var req CreateCoinOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.settlementService.CreateOrder(c.Request.Context(), &service.CreateOrderRequest{
		UserID:     currentUserID(c),
		CoinAmount: req.CoinAmount,
		AmountPaid: req.AmountPaid,
	})
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

type VerifyPaymentRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// VerifyPayment 客户端从网关返回后确认支付
// POST /api/v1/payment/coins/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.settlementService.VerifyPayment(c.Request.Context(), currentUserID(c), req.OrderID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListCoinOrders GET /api/v1/payment/coins/purchases
func (h *Handler) ListCoinOrders(c *gin.Context) {
	orders, err := h.settlementService.ListUserOrders(c.Request.Context(), currentUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, orders)
}

// GetCoinOrder GET /api/v1/payment/coins/purchase/:purchaseId
func (h *Handler) GetCoinOrder(c *gin.Context) {
	purchaseID, err := strconv.ParseInt(c.Param("purchaseId"), 10, 64)
	if err != nil {
		response.ParamError(c, "purchaseId 参数错误")
		return
	}

	order, err := h.settlementService.GetUserOrder(c.Request.Context(), currentUserID(c), purchaseID)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, order)
}

// ============================================================
// 内容购买和阅读接口
// ============================================================

// PurchaseItem 用硬币购买付费内容
// POST /api/v1/items/:itemId/purchase
func (h *Handler) PurchaseItem(c *gin.Context) {
	result, err := h.purchaseService.PurchaseItem(c.Request.Context(), currentUserID(c), c.Param("itemId"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, result)
}

// ReadItem 阅读内容并记录首次阅读，匿名用户按会话计数
// GET /api/v1/items/:itemId/read
func (h *Handler) ReadItem(c *gin.Context) {
	userID := currentUserID(c)
	actor := ActorKey(c, userID, h.cfg.Business.SessionCookieMaxAge)

	view, err := h.readService.ReadItem(c.Request.Context(), userID, c.Param("itemId"), actor)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, view)
}

// ListItemPurchases GET /api/v1/items/purchases
func (h *Handler) ListItemPurchases(c *gin.Context) {
	records, err := h.purchaseService.ListUserPurchases(c.Request.Context(), currentUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, records)
}
