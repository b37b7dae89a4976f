package job

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"coinledger/internal/config"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// Publisher 由 mq.Producer 实现
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 轮询 outbox 表并投递到 Kafka
// 投递失败只影响消息本身的重试计数，账本已经提交
type OutboxSender struct {
	outbox    repository.OutboxRepository
	publisher Publisher
	cfg       *config.Config
	metrics   *metrics.Metrics
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	batchSize int
}

func NewOutboxSender(outbox repository.OutboxRepository, publisher Publisher, cfg *config.Config, m *metrics.Metrics) *OutboxSender {
	return &OutboxSender{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		interval:  100 * time.Millisecond,
		batchSize: 100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	defer close(s.doneCh)
	log.Info().Str("job", "outbox_sender").Msg("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job", "outbox_sender").Msg("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Info().Str("job", "outbox_sender").Msg("任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

// Stop 通知任务退出并等待当前批次发送完，只能在 Start 之后调用
func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("查询待发送消息失败")
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		s.metrics.ObserveOutboxSend(msg.Topic, "sent")
		if err := s.outbox.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); err != nil {
			log.Error().Err(err).Int64("id", msg.ID).Msg("更新消息状态失败")
			return
		}
		log.Debug().Int64("id", msg.ID).Str("topic", msg.Topic).Str("key", msg.MessageKey).Msg("消息发送成功")
		return
	}

	s.metrics.ObserveOutboxSend(msg.Topic, "error")
	log.Warn().Err(err).Int64("id", msg.ID).Str("topic", msg.Topic).Int("retry_count", msg.RetryCount).Msg("消息发送失败")

	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Error().Err(err).Int64("id", msg.ID).Msg("增加重试次数失败")
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("id", msg.ID).Msg("标记消息失败状态失败")
			return
		}
		s.metrics.ObserveOutboxSend(msg.Topic, "dropped")
		log.Error().Int64("id", msg.ID).Str("topic", msg.Topic).Msg("消息超过最大重试次数，标记为失败")
	}
}
