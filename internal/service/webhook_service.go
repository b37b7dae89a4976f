package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"coinledger/internal/gateway"
)

// WebhookService 管理网关上的 webhook 订阅，运维接口使用
type WebhookService struct {
	gateway gateway.Gateway
}

func NewWebhookService(gw gateway.Gateway) *WebhookService {
	return &WebhookService{gateway: gw}
}

// DefaultWebhookEvents 不指定事件时只订阅 capture 完成
var DefaultWebhookEvents = []string{gateway.EventCaptureCompleted}

func (s *WebhookService) Register(ctx context.Context, url string, eventTypes []string) (*gateway.Webhook, error) {
	if !strings.HasPrefix(url, "https://") {
		return nil, invalid("webhook 地址必须是 https")
	}
	if len(eventTypes) == 0 {
		eventTypes = DefaultWebhookEvents
	}

	hook, err := s.gateway.RegisterWebhook(ctx, url, eventTypes)
	if err != nil {
		return nil, mapGatewayErr(err)
	}
	log.Info().Str("webhook_id", hook.ID).Str("url", hook.URL).Strs("events", eventTypes).Msg("webhook 已注册")
	return hook, nil
}

func (s *WebhookService) List(ctx context.Context) ([]gateway.Webhook, error) {
	hooks, err := s.gateway.ListWebhooks(ctx)
	if err != nil {
		return nil, mapGatewayErr(err)
	}
	return hooks, nil
}

func (s *WebhookService) Get(ctx context.Context, id string) (*gateway.Webhook, error) {
	hook, err := s.gateway.GetWebhook(ctx, id)
	if err != nil {
		return nil, mapGatewayErr(err)
	}
	return hook, nil
}

func (s *WebhookService) Update(ctx context.Context, id, url string, eventTypes []string) (*gateway.Webhook, error) {
	if url == "" && len(eventTypes) == 0 {
		return nil, invalid("url 和 eventTypes 至少提供一个")
	}
	if url != "" && !strings.HasPrefix(url, "https://") {
		return nil, invalid("webhook 地址必须是 https")
	}

	hook, err := s.gateway.UpdateWebhook(ctx, id, url, eventTypes)
	if err != nil {
		return nil, mapGatewayErr(err)
	}
	log.Info().Str("webhook_id", id).Msg("webhook 已更新")
	return hook, nil
}

func (s *WebhookService) Delete(ctx context.Context, id string) error {
	if err := s.gateway.DeleteWebhook(ctx, id); err != nil {
		return mapGatewayErr(err)
	}
	log.Info().Str("webhook_id", id).Msg("webhook 已删除")
	return nil
}
