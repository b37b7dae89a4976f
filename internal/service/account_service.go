package service

import (
	"context"
	"errors"
	"fmt"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

type AccountService struct {
	store repository.Store
	cfg   *config.Config
}

func NewAccountService(store repository.Store, cfg *config.Config) *AccountService {
	return &AccountService{store: store, cfg: cfg}
}

// GetAccount 首次访问时开户，新用户赠送 InitialCoinBalance 硬币
func (s *AccountService) GetAccount(ctx context.Context, userID int64) (*model.Account, error) {
	if userID <= 0 {
		return nil, invalid("用户ID无效")
	}
	account, err := s.store.Accounts().GetOrCreate(ctx, userID, s.cfg.Business.InitialCoinBalance)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	return account, nil
}

func (s *AccountService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

type TransactionPage struct {
	Items    []*model.AccountTransaction `json:"items"`
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"page_size"`
}

// ListTransactions 账户流水，按时间倒序分页
func (s *AccountService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) (*TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := s.store.Transactions().ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return &TransactionPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ensureAccount 保证账户存在，用于事务前开户，避免在事务里处理并发开户冲突
func ensureAccount(ctx context.Context, store repository.Store, userID, initialBalance int64) error {
	_, err := store.Accounts().GetOrCreate(ctx, userID, initialBalance)
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return fmt.Errorf("开户失败: %w", err)
	}
	return nil
}
