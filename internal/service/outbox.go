package service

import (
	"context"
	"encoding/json"
	"fmt"

	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// enqueue 在账本事务内写 outbox，提交后由 OutboxSender 投递
// 投递失败不会影响已提交的账本
func enqueue(ctx context.Context, tx repository.Store, topic, key string, payload interface{}) error {
	if topic == "" {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(data),
		Status:     model.OutboxStatusPending,
	}
	if err := tx.Outbox().Create(ctx, msg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
