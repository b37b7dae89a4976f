package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"coinledger/pkg/response"
)

const (
	maxWebhookBody = 1 << 20
	webhookTimeout = 30 * time.Second
)

// PayPalWebhook 接收网关事件
// POST /api/v1/payment/webhook/paypal
//
// 无论处理结果如何都返回 200，失败只记日志；
// 否则网关会无限重试一个业务上已经生效的事件。漏掉的订单由对账任务补偿
func (h *Handler) PayPalWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Msg("读取 webhook 请求体失败")
		c.JSON(http.StatusOK, gin.H{"status": "error"})
		return
	}

	// 网关断开连接不应中断入账
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), webhookTimeout)
	defer cancel()

	event, err := h.settlementService.AuthenticateWebhook(ctx, c.Request.Header, raw)
	if err != nil {
		log.Warn().Err(err).Str("transmission_id", c.GetHeader("Paypal-Transmission-Id")).Msg("webhook 认证失败")
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "webhook 认证失败"})
		return
	}

	if err := h.settlementService.HandleWebhookEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("event_type", event.EventType).Msg("webhook 处理失败")
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "webhook 处理失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// ============================================================
// webhook 订阅管理接口（管理员）
// ============================================================

type WebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"eventTypes"`
}

// RegisterWebhook POST /api/v1/payment/webhook/register
func (h *Handler) RegisterWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		response.ParamError(c, "url 不能为空")
		return
	}

	hook, err := h.webhookService.Register(c.Request.Context(), req.URL, req.EventTypes)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, hook)
}

// ListWebhooks GET /api/v1/payment/webhook/list
func (h *Handler) ListWebhooks(c *gin.Context) {
	hooks, err := h.webhookService.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, hooks)
}

// GetWebhook GET /api/v1/payment/webhook/:id
func (h *Handler) GetWebhook(c *gin.Context) {
	hook, err := h.webhookService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, hook)
}

// UpdateWebhook POST /api/v1/payment/webhook/:id/update
func (h *Handler) UpdateWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	hook, err := h.webhookService.Update(c.Request.Context(), c.Param("id"), req.URL, req.EventTypes)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, hook)
}

// DeleteWebhook POST /api/v1/payment/webhook/:id/delete
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.webhookService.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"message": "webhook 已删除"})
}
