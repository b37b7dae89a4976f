// Package gateway 定义支付网关适配器的能力接口和错误类型，与具体网关无关
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
)

const (
	OrderStatusCreated   = "CREATED"
	OrderStatusApproved  = "APPROVED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusVoided    = "VOIDED"

	CaptureStatusCompleted = "COMPLETED"

	EventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
)

// Gateway 支付网关适配器
// 所有错误都是 *Error，适配器本身不做重试
type Gateway interface {
	ProviderID() string

	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreatedOrder, error)
	CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error)
	GetOrder(ctx context.Context, orderID string) (*CaptureResult, error)

	// VerifyInboundSignature 验证失败只返回 false，不区分原因
	VerifyInboundSignature(ctx context.Context, headers http.Header, body []byte) bool
	GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error)

	RegisterWebhook(ctx context.Context, url string, eventTypes []string) (*Webhook, error)
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	GetWebhook(ctx context.Context, webhookID string) (*Webhook, error)
	UpdateWebhook(ctx context.Context, webhookID, url string, eventTypes []string) (*Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
}

// CreateOrderRequest 金额单位为分
type CreateOrderRequest struct {
	AmountCents int64
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
}

type CreatedOrder struct {
	OrderID     string
	ApprovalURL string
}

// CaptureResult 订单的第一笔 capture，未 capture 的订单 CaptureID 为空
type CaptureResult struct {
	OrderID     string
	OrderStatus string
	CaptureID   string
	Status      string
}

func (r *CaptureResult) Completed() bool {
	return r != nil && r.CaptureID != "" && r.Status == CaptureStatusCompleted
}

type WebhookEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	CreateTime   string          `json:"create_time,omitempty"`
	Resource     json.RawMessage `json:"resource"`
}

type EventType struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Webhook struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	EventTypes []EventType `json:"event_types"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	OrderID           string `json:"order_id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseCaptureResource 从 capture 事件中取订单号和 captureID
// 订单号优先取 supplementary_data.related_ids.order_id，其次 resource.order_id
func ParseCaptureResource(raw json.RawMessage) (orderID, captureID string, err error) {
	if len(raw) == 0 {
		return "", "", &Error{Op: "parse_event", Kind: ErrInvalidRequest, Message: "事件缺少 resource"}
	}

	var res captureResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", "", &Error{Op: "parse_event", Kind: ErrInvalidRequest, Message: "resource 格式错误", Err: err}
	}

	orderID = res.SupplementaryData.RelatedIDs.OrderID
	if orderID == "" {
		orderID = res.OrderID
	}
	return orderID, res.ID, nil
}
