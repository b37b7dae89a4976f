package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/mq"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

func newOutboxFixture(t *testing.T, maxRetry int) (*repository.MemoryStore, *mocks.SyncProducer, *OutboxSender) {
	t.Helper()
	store := repository.NewMemoryStore()
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	cfg := &config.Config{}
	cfg.Business.MaxRetryCount = maxRetry
	return store, producer, NewOutboxSender(store.Outbox(), mq.NewProducer(producer), cfg, nil)
}

func addMessage(t *testing.T, store *repository.MemoryStore, key string) *model.OutboxMessage {
	t.Helper()
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      "successful_payments",
		Payload:    `{"order_id":"` + key + `"}`,
		Status:     model.OutboxStatusPending,
	}
	require.NoError(t, store.Outbox().Create(context.Background(), msg))
	return msg
}

func TestOutboxSender_SendsPendingMessages(t *testing.T) {
	store, producer, sender := newOutboxFixture(t, 3)
	ctx := context.Background()
	addMessage(t, store, "ORDER-1")
	addMessage(t, store, "ORDER-2")

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"order_id":"ORDER-1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	sender.processPendingMessages(ctx)

	pending, err := store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxSender_RetriesThenMarksFailed(t *testing.T) {
	store, producer, sender := newOutboxFixture(t, 2)
	ctx := context.Background()
	addMessage(t, store, "ORDER-1")

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sender.processPendingMessages(ctx)

	pending, err := store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sender.processPendingMessages(ctx)

	pending, err = store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "超过重试次数后不再投递")
}

func TestOutboxSender_StopDrainsLoop(t *testing.T) {
	store, producer, sender := newOutboxFixture(t, 3)
	sender.interval = time.Millisecond
	addMessage(t, store, "ORDER-1")
	producer.ExpectSendMessageAndSucceed()

	go sender.Start(context.Background())

	require.Eventually(t, func() bool {
		pending, err := store.Outbox().GetPendingMessages(context.Background(), 10)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)

	sender.Stop()
	// 重复调用直接返回
	sender.Stop()
}
