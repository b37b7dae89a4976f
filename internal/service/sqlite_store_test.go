package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinledger/internal/gateway/gatewaytest"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/internal/repository/repositorytest"
)

// 以下用例跑在 gorm + SQLite 上，覆盖生产存储的条件更新和唯一键

func TestSQLite_ConcurrentFinalizeCreditsOnce(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	f := newSettlementFixtureOn(t, store)
	ctx := context.Background()
	orderID := f.approvedOrder(t, 1, 100)
	f.gw.CaptureHook = func(string) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := f.svc.VerifyPayment(ctx, 1, orderID)
				errs <- err
				return
			}
			errs <- f.svc.HandleWebhookEvent(ctx, captureEvent(fmt.Sprintf("WH-%d", i), orderID, gatewaytest.CaptureIDFor(orderID)))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(150), f.balance(t, 1))
	assert.Equal(t, model.OrderStatusCompleted, f.orderStatus(t, orderID))

	journal, err := store.Transactions().ListByRefNo(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, journal, 1)

	pending, err := store.Outbox().GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSQLite_CreditOverflowLeavesOrderPending(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	f := newSettlementFixtureOn(t, store)
	ctx := context.Background()

	_, err := store.Accounts().GetOrCreate(ctx, 9, 1<<63-10)
	require.NoError(t, err)
	orderID := f.approvedOrder(t, 9, 100)

	_, err = f.svc.VerifyPayment(ctx, 9, orderID)
	require.ErrorIs(t, err, repository.ErrBalanceOverflow)

	assert.Equal(t, int64(1<<63-10), f.balance(t, 9))
	assert.Equal(t, model.OrderStatusPending, f.orderStatus(t, orderID))

	journal, err := store.Transactions().ListByRefNo(ctx, orderID)
	require.NoError(t, err)
	assert.Empty(t, journal)
}

func TestSQLite_PurchaseBalanceNeverNegative(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	const n = 10
	items := make([]*model.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, premiumItem(fmt.Sprintf("ch-%d", i), 20))
	}
	svc, _ := newPurchaseFixtureOn(t, store, items...)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, insufficient int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(itemID string) {
			defer wg.Done()
			_, err := svc.PurchaseItem(ctx, 1, itemID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("ch-%d", i))
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, n-2, insufficient)

	account, err := store.Accounts().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	records, err := svc.ListUserPurchases(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSQLite_PurchaseSameItemOnce(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	svc, _ := newPurchaseFixtureOn(t, store, premiumItem("ch-1", 20))
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PurchaseItem(ctx, 1, "ch-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyPurchased)
	}
	assert.Equal(t, 1, succeeded)

	account, err := store.Accounts().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), account.Balance)
}

func TestSQLite_TrackReadCountsOnce(t *testing.T) {
	store, _ := repositorytest.NewSQLiteStore(t)
	purchases, _ := newPurchaseFixtureOn(t, store, &model.Item{ID: "ch-1", Title: "Prologue"})
	svc := NewReadService(store, purchases, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firsts int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := svc.TrackRead(ctx, "ch-1", "user:1")
			assert.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts)
	item, err := store.Items().GetByID(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.ReadCount)
}
