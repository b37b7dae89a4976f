package repository_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/repository/repositorytest"
)

func TestGormStore_GetOrCreateConcurrent(t *testing.T) {
	store, db := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			account, err := store.Accounts().GetOrCreate(ctx, 1, 50)
			if err != nil {
				errs <- err
				return
			}
			ids <- account.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}

	var count int64
	require.NoError(t, db.Model(&model.Account{}).Where("user_id = ?", 1).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// 已开户时初始余额不再生效
	account, err := store.Accounts().GetOrCreate(ctx, 1, 999)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)
}

func TestGormStore_DeductNeverNegative(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	_, err := store.Accounts().GetOrCreate(ctx, 1, 100)
	require.NoError(t, err)

	require.ErrorIs(t, store.Accounts().Deduct(ctx, 1, 101), repository.ErrBalanceNotEnough)
	require.ErrorIs(t, store.Accounts().Deduct(ctx, 2, 1), repository.ErrAccountNotFound)
	require.ErrorIs(t, store.Accounts().Deduct(ctx, 1, 0), repository.ErrInvalidAmount)

	const n = 15
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, rejected int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Accounts().Deduct(ctx, 1, 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, repository.ErrBalanceNotEnough):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, n-10, rejected)

	account, err := store.Accounts().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
	assert.Equal(t, 10, account.Version)
}

func TestGormStore_IncreaseRejectsOverflow(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	_, err := store.Accounts().GetOrCreate(ctx, 1, 50)
	require.NoError(t, err)

	require.ErrorIs(t, store.Accounts().Increase(ctx, 1, math.MaxInt64), repository.ErrBalanceOverflow)
	require.ErrorIs(t, store.Accounts().Increase(ctx, 1, -1), repository.ErrInvalidAmount)
	require.ErrorIs(t, store.Accounts().Increase(ctx, 2, 10), repository.ErrAccountNotFound)

	account, err := store.Accounts().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)

	require.NoError(t, store.Accounts().Increase(ctx, 1, math.MaxInt64-50))
	account, err = store.Accounts().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), account.Balance)
}

func TestGormStore_TransactionRollback(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	_, err := store.Accounts().GetOrCreate(ctx, 1, 50)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.Transaction(ctx, func(tx repository.Store) error {
		account, err := tx.Accounts().GetByUserIDForUpdate(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, tx.Accounts().Increase(ctx, account.UserID, 100))
		require.NoError(t, tx.Outbox().Create(ctx, &model.OutboxMessage{
			Topic: "successful_payments", MessageKey: "k", Payload: "{}", Status: model.OutboxStatusPending,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := store.Accounts().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)

	pending, err := store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func newOrder(id int64, gatewayOrderID string) *model.CoinOrder {
	return &model.CoinOrder{
		ID:              id,
		UserID:          1,
		CoinAmount:      100,
		AmountPaidCents: 499,
		Currency:        "USD",
		Provider:        "paypal",
		GatewayOrderID:  gatewayOrderID,
		Status:          model.OrderStatusPending,
	}
}

func TestGormStore_OrderStatusCAS(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Orders().Create(ctx, newOrder(1, "GW-1")))
	require.ErrorIs(t, store.Orders().Create(ctx, newOrder(2, "GW-1")), repository.ErrDuplicate)

	now := time.Now()
	require.NoError(t, store.Orders().Complete(ctx, "GW-1", "CAP-1", now))
	require.ErrorIs(t, store.Orders().Complete(ctx, "GW-1", "CAP-2", now), repository.ErrOrderStatusInvalid)
	require.ErrorIs(t, store.Orders().UpdateStatus(ctx, "GW-1", model.OrderStatusPending, model.OrderStatusFailed), repository.ErrOrderStatusInvalid)
	require.ErrorIs(t, store.Orders().Complete(ctx, "GW-missing", "CAP-3", now), repository.ErrOrderStatusInvalid)

	got, err := store.Orders().GetByGatewayOrderID(ctx, "GW-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, got.Status)
	assert.Equal(t, "CAP-1", got.GatewayCaptureID)
	require.NotNil(t, got.CompletedAt)

	// failed 是终态，之后的 capture 不能再完成订单
	require.NoError(t, store.Orders().Create(ctx, newOrder(3, "GW-2")))
	require.NoError(t, store.Orders().UpdateStatus(ctx, "GW-2", model.OrderStatusPending, model.OrderStatusFailed))
	require.ErrorIs(t, store.Orders().Complete(ctx, "GW-2", "CAP-4", now), repository.ErrOrderStatusInvalid)
	require.ErrorIs(t, store.Orders().UpdateStatus(ctx, "GW-2", model.OrderStatusFailed, model.OrderStatusPending), repository.ErrOrderStatusInvalid)

	_, err = store.Orders().GetByID(ctx, 404)
	require.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestGormStore_ConcurrentCompleteOnlyOnce(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Orders().Create(ctx, newOrder(1, "GW-1")))

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var completed int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Orders().Complete(ctx, "GW-1", "CAP-1", time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				completed++
				return
			}
			assert.ErrorIs(t, err, repository.ErrOrderStatusInvalid)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completed)
}

func TestGormStore_ListPendingBefore(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	old := newOrder(1, "GW-old")
	old.CreatedAt = now.Add(-time.Hour)
	fresh := newOrder(2, "GW-fresh")
	fresh.CreatedAt = now
	done := newOrder(3, "GW-done")
	done.CreatedAt = now.Add(-time.Hour)
	for _, o := range []*model.CoinOrder{old, fresh, done} {
		require.NoError(t, store.Orders().Create(ctx, o))
	}
	require.NoError(t, store.Orders().Complete(ctx, "GW-done", "CAP-1", now))

	orders, err := store.Orders().ListPendingBefore(ctx, now.Add(-10*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "GW-old", orders[0].GatewayOrderID)
}

func TestGormStore_UniqueKeys(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Purchases().Create(ctx, &model.PurchaseRecord{ID: 1, UserID: 1, ItemID: "c1", PriceCharged: 20, PurchasedAt: now}))
	require.ErrorIs(t, store.Purchases().Create(ctx, &model.PurchaseRecord{ID: 2, UserID: 1, ItemID: "c1", PriceCharged: 20, PurchasedAt: now}), repository.ErrDuplicate)
	require.NoError(t, store.Purchases().Create(ctx, &model.PurchaseRecord{ID: 3, UserID: 2, ItemID: "c1", PriceCharged: 20, PurchasedAt: now}))

	exists, err := store.Purchases().Exists(ctx, 1, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.ReadMarks().Create(ctx, &model.ReadMark{ItemID: "c1", ActorKey: "user:1", MarkedAt: now}))
	require.ErrorIs(t, store.ReadMarks().Create(ctx, &model.ReadMark{ItemID: "c1", ActorKey: "user:1", MarkedAt: now}), repository.ErrDuplicate)

	exists, err = store.ReadMarks().Exists(ctx, "c1", "user:2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGormStore_ItemReadCount(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.Items().Save(ctx, &model.Item{ID: "c1", Title: "Chapter 1", IsPremium: true}))

	err := store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.Items().GetByIDForUpdate(ctx, "c1"); err != nil {
			return err
		}
		return tx.Items().IncrementReadCount(ctx, "c1")
	})
	require.NoError(t, err)

	item, err := store.Items().GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.ReadCount)
	assert.True(t, item.IsPremium)

	require.ErrorIs(t, store.Items().IncrementReadCount(ctx, "missing"), repository.ErrItemNotFound)
	_, err = store.Items().GetByIDForUpdate(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrItemNotFound)
}

func TestGormStore_OutboxLifecycle(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()

	msg := &model.OutboxMessage{Topic: "successful_payments", MessageKey: "GW-1", Payload: "{}", Status: model.OutboxStatusPending}
	require.NoError(t, store.Outbox().Create(ctx, msg))
	require.NotZero(t, msg.ID)

	require.NoError(t, store.Outbox().IncrementRetryCount(ctx, msg.ID))
	pending, err := store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	require.NoError(t, store.Outbox().MarkAsFailed(ctx, msg.ID))
	pending, err = store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGormStore_TransactionsPaged(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	ctx := context.Background()

	for i, no := range []string{"T-1", "T-2", "T-3"} {
		require.NoError(t, store.Transactions().Create(ctx, &model.AccountTransaction{
			TransactionNo: no,
			UserID:        1,
			RefNo:         "GW-1",
			Amount:        int64(10 * (i + 1)),
			Type:          model.TransactionTypeCoinPurchase,
		}))
	}
	require.ErrorIs(t, store.Transactions().Create(ctx, &model.AccountTransaction{TransactionNo: "T-1", UserID: 1, RefNo: "GW-1", Type: model.TransactionTypeCoinPurchase}), repository.ErrDuplicate)

	page, total, err := store.Transactions().ListByUserID(ctx, 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 2)

	byRef, err := store.Transactions().ListByRefNo(ctx, "GW-1")
	require.NoError(t, err)
	assert.Len(t, byRef, 3)
}
