package paypal

import (
	"context"
	"net/http"
	"net/url"

	"coinledger/internal/gateway"
)

type webhookRequest struct {
	URL        string              `json:"url"`
	EventTypes []gateway.EventType `json:"event_types"`
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

func toEventTypes(names []string) []gateway.EventType {
	types := make([]gateway.EventType, 0, len(names))
	for _, n := range names {
		types = append(types, gateway.EventType{Name: n})
	}
	return types
}

func (c *Client) RegisterWebhook(ctx context.Context, webhookURL string, eventTypes []string) (*gateway.Webhook, error) {
	if webhookURL == "" || len(eventTypes) == 0 {
		return nil, &gateway.Error{Op: "register_webhook", Kind: gateway.ErrInvalidRequest, Message: "url 和 event_types 不能为空"}
	}

	var hook gateway.Webhook
	req := webhookRequest{URL: webhookURL, EventTypes: toEventTypes(eventTypes)}
	if err := c.doJSON(ctx, "register_webhook", http.MethodPost, "/v1/notifications/webhooks", req, &hook, nil); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (c *Client) ListWebhooks(ctx context.Context) ([]gateway.Webhook, error) {
	var resp struct {
		Webhooks []gateway.Webhook `json:"webhooks"`
	}
	if err := c.doJSON(ctx, "list_webhooks", http.MethodGet, "/v1/notifications/webhooks", nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Webhooks, nil
}

func (c *Client) GetWebhook(ctx context.Context, webhookID string) (*gateway.Webhook, error) {
	var hook gateway.Webhook
	if err := c.doJSON(ctx, "get_webhook", http.MethodGet, "/v1/notifications/webhooks/"+url.PathEscape(webhookID), nil, &hook, nil); err != nil {
		return nil, err
	}
	return &hook, nil
}

// UpdateWebhook 用 JSON Patch 替换 url 和 event_types
func (c *Client) UpdateWebhook(ctx context.Context, webhookID, webhookURL string, eventTypes []string) (*gateway.Webhook, error) {
	var ops []patchOp
	if webhookURL != "" {
		ops = append(ops, patchOp{Op: "replace", Path: "/url", Value: webhookURL})
	}
	if len(eventTypes) > 0 {
		ops = append(ops, patchOp{Op: "replace", Path: "/event_types", Value: toEventTypes(eventTypes)})
	}
	if len(ops) == 0 {
		return nil, &gateway.Error{Op: "update_webhook", Kind: gateway.ErrInvalidRequest, Message: "没有需要更新的字段"}
	}

	var hook gateway.Webhook
	if err := c.doJSON(ctx, "update_webhook", http.MethodPatch, "/v1/notifications/webhooks/"+url.PathEscape(webhookID), ops, &hook, nil); err != nil {
		return nil, err
	}
	return &hook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	return c.doJSON(ctx, "delete_webhook", http.MethodDelete, "/v1/notifications/webhooks/"+url.PathEscape(webhookID), nil, nil, nil)
}

// GetWebhookEvent 从 PayPal 重新拉取事件，签名校验失败时用来确认事件真实性
func (c *Client) GetWebhookEvent(ctx context.Context, eventID string) (*gateway.WebhookEvent, error) {
	if eventID == "" {
		return nil, &gateway.Error{Op: "get_webhook_event", Kind: gateway.ErrInvalidRequest, Message: "事件ID为空"}
	}

	var event gateway.WebhookEvent
	if err := c.doJSON(ctx, "get_webhook_event", http.MethodGet, "/v1/notifications/webhooks-events/"+url.PathEscape(eventID), nil, &event, nil); err != nil {
		return nil, err
	}
	return &event, nil
}
