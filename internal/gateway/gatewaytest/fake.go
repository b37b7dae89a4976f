// Package gatewaytest 提供内存版支付网关，供服务层和接口层测试使用
package gatewaytest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"coinledger/internal/gateway"
)

type order struct {
	status        string
	captureID     string
	captureStatus string
}

// Fake 模拟网关的订单状态机：CREATED -> APPROVED -> COMPLETED
// capture ID 固定为 "CAP-" + 订单号，方便测试构造 webhook 事件
type Fake struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*order
	events   map[string]*gateway.WebhookEvent
	webhooks map[string]*gateway.Webhook

	// CreateErr 不为空时 CreateOrder 直接返回该错误
	CreateErr error
	// CaptureHook 在每次 capture 前调用，返回错误则本次 capture 失败且不改变状态
	CaptureHook func(orderID string) error
	// CaptureStatus capture 结果状态，默认 COMPLETED
	CaptureStatus string
	// ValidSignature 控制 VerifyInboundSignature 的结果
	ValidSignature bool

	LastCreate   gateway.CreateOrderRequest
	captureCalls int
}

func NewFake() *Fake {
	return &Fake{
		orders:   make(map[string]*order),
		events:   make(map[string]*gateway.WebhookEvent),
		webhooks: make(map[string]*gateway.Webhook),
	}
}

func CaptureIDFor(orderID string) string {
	return "CAP-" + orderID
}

func (f *Fake) ProviderID() string { return "paypal" }

func (f *Fake) CreateOrder(_ context.Context, req gateway.CreateOrderRequest) (*gateway.CreatedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.LastCreate = req
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if req.AmountCents <= 0 {
		return nil, &gateway.Error{Op: "create_order", Kind: gateway.ErrInvalidRequest, Message: "amount must be positive"}
	}

	f.seq++
	id := fmt.Sprintf("ORDER-%d", f.seq)
	f.orders[id] = &order{status: gateway.OrderStatusCreated}
	return &gateway.CreatedOrder{
		OrderID:     id,
		ApprovalURL: "https://gateway.test/checkoutnow?token=" + id,
	}, nil
}

// Approve 模拟买家在网关页面确认支付
func (f *Fake) Approve(orderID string) {
	f.SetStatus(orderID, gateway.OrderStatusApproved)
}

func (f *Fake) SetStatus(orderID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.status = status
	}
}

// Forget 模拟网关订单过期被删除
func (f *Fake) Forget(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, orderID)
}

func (f *Fake) CaptureCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureCalls
}

func (f *Fake) CaptureOrder(_ context.Context, orderID string) (*gateway.CaptureResult, error) {
	f.mu.Lock()
	f.captureCalls++
	hook := f.CaptureHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(orderID); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return nil, &gateway.Error{Op: "capture_order", Kind: gateway.ErrNotFound, StatusCode: http.StatusNotFound, Issue: "RESOURCE_NOT_FOUND"}
	}
	switch o.status {
	case gateway.OrderStatusApproved:
	case gateway.OrderStatusCompleted:
		return nil, &gateway.Error{Op: "capture_order", Kind: gateway.ErrInvalidRequest, StatusCode: http.StatusUnprocessableEntity, Issue: gateway.IssueOrderAlreadyCaptured}
	default:
		return nil, &gateway.Error{Op: "capture_order", Kind: gateway.ErrInvalidRequest, StatusCode: http.StatusUnprocessableEntity, Issue: gateway.IssueOrderNotApproved}
	}

	o.status = gateway.OrderStatusCompleted
	o.captureID = CaptureIDFor(orderID)
	o.captureStatus = f.CaptureStatus
	if o.captureStatus == "" {
		o.captureStatus = gateway.CaptureStatusCompleted
	}
	return f.result(orderID, o), nil
}

func (f *Fake) GetOrder(_ context.Context, orderID string) (*gateway.CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return nil, &gateway.Error{Op: "get_order", Kind: gateway.ErrNotFound, StatusCode: http.StatusNotFound, Issue: "RESOURCE_NOT_FOUND"}
	}
	return f.result(orderID, o), nil
}

func (f *Fake) result(orderID string, o *order) *gateway.CaptureResult {
	return &gateway.CaptureResult{
		OrderID:     orderID,
		OrderStatus: o.status,
		CaptureID:   o.captureID,
		Status:      o.captureStatus,
	}
}

func (f *Fake) VerifyInboundSignature(context.Context, http.Header, []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ValidSignature
}

// AddEvent 让 GetWebhookEvent 能查到该事件
func (f *Fake) AddEvent(event *gateway.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event.ID] = event
}

func (f *Fake) GetWebhookEvent(_ context.Context, eventID string) (*gateway.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	event, ok := f.events[eventID]
	if !ok {
		return nil, &gateway.Error{Op: "get_webhook_event", Kind: gateway.ErrNotFound, StatusCode: http.StatusNotFound}
	}
	copied := *event
	return &copied, nil
}

func (f *Fake) RegisterWebhook(_ context.Context, url string, eventTypes []string) (*gateway.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	hook := &gateway.Webhook{ID: fmt.Sprintf("WH-%d", f.seq), URL: url, EventTypes: toEventTypes(eventTypes)}
	f.webhooks[hook.ID] = hook
	copied := *hook
	return &copied, nil
}

func (f *Fake) ListWebhooks(context.Context) ([]gateway.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]gateway.Webhook, 0, len(f.webhooks))
	for _, hook := range f.webhooks {
		out = append(out, *hook)
	}
	return out, nil
}

func (f *Fake) GetWebhook(_ context.Context, webhookID string) (*gateway.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hook, ok := f.webhooks[webhookID]
	if !ok {
		return nil, &gateway.Error{Op: "get_webhook", Kind: gateway.ErrNotFound, StatusCode: http.StatusNotFound}
	}
	copied := *hook
	return &copied, nil
}

func (f *Fake) UpdateWebhook(_ context.Context, webhookID, url string, eventTypes []string) (*gateway.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hook, ok := f.webhooks[webhookID]
	if !ok {
		return nil, &gateway.Error{Op: "update_webhook", Kind: gateway.ErrNotFound, StatusCode: http.StatusNotFound}
	}
	if url != "" {
		hook.URL = url
	}
	if len(eventTypes) > 0 {
		hook.EventTypes = toEventTypes(eventTypes)
	}
	copied := *hook
	return &copied, nil
}

func (f *Fake) DeleteWebhook(_ context.Context, webhookID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.webhooks[webhookID]; !ok {
		return &gateway.Error{Op: "delete_webhook", Kind: gateway.ErrNotFound, StatusCode: http.StatusNotFound}
	}
	delete(f.webhooks, webhookID)
	return nil
}

func toEventTypes(names []string) []gateway.EventType {
	out := make([]gateway.EventType, 0, len(names))
	for _, name := range names {
		out = append(out, gateway.EventType{Name: name})
	}
	return out
}

var _ gateway.Gateway = (*Fake)(nil)
