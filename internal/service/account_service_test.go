package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinledger/internal/repository"
)

func TestAccountService_GetAccountCreatesOnFirstAccess(t *testing.T) {
	svc := NewAccountService(repository.NewMemoryStore(), newTestConfig())
	ctx := context.Background()

	balance, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	account, err := svc.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.UserID)

	_, err = svc.GetAccount(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAccountService_ListTransactions(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	purchases := NewPurchaseService(store, newTestConfig(), nil)
	require.NoError(t, store.Items().Save(ctx, premiumItem("ch-1", 10)))
	require.NoError(t, store.Items().Save(ctx, premiumItem("ch-2", 10)))
	_, err := purchases.PurchaseItem(ctx, 1, "ch-1")
	require.NoError(t, err)
	_, err = purchases.PurchaseItem(ctx, 1, "ch-2")
	require.NoError(t, err)

	svc := NewAccountService(store, newTestConfig())
	page, err := svc.ListTransactions(ctx, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Len(t, page.Items, 1)

	page, err = svc.ListTransactions(ctx, 1, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)
	assert.Len(t, page.Items, 2)
}
