package repository

import (
	"context"
	"errors"
	"time"

	"coinledger/internal/model"
)

var (
	ErrAccountNotFound    = errors.New("账户不存在")
	ErrBalanceNotEnough   = errors.New("余额不足")
	ErrBalanceOverflow    = errors.New("余额超出上限")
	ErrInvalidAmount      = errors.New("金额必须大于0")
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderStatusInvalid = errors.New("订单状态不合法")
	ErrItemNotFound       = errors.New("内容不存在")
	ErrDuplicate          = errors.New("记录已存在")
)

// Store 账本存储
// Transaction 内拿到的 tx Store 上的所有操作属于同一个数据库事务，
// fn 返回错误时全部回滚
type Store interface {
	Accounts() AccountRepository
	Orders() OrderRepository
	Items() ItemRepository
	Purchases() PurchaseRepository
	ReadMarks() ReadMarkRepository
	Transactions() TransactionRepository
	Outbox() OutboxRepository

	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type AccountRepository interface {
	GetByUserID(ctx context.Context, userID int64) (*model.Account, error)
	// GetByUserIDForUpdate 必须在事务内调用，锁住该用户的余额行直到事务结束
	GetByUserIDForUpdate(ctx context.Context, userID int64) (*model.Account, error)
	// GetOrCreate 首次访问时以 initialBalance 开户，并发开户只会成功一次
	GetOrCreate(ctx context.Context, userID int64, initialBalance int64) (*model.Account, error)
	// Increase 入账后余额超过 int64 上限时返回 ErrBalanceOverflow，余额不变
	Increase(ctx context.Context, userID int64, amount int64) error
	// Deduct 余额不足时返回 ErrBalanceNotEnough，不会扣成负数
	Deduct(ctx context.Context, userID int64, amount int64) error
}

type OrderRepository interface {
	Create(ctx context.Context, order *model.CoinOrder) error
	GetByID(ctx context.Context, id int64) (*model.CoinOrder, error)
	GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.CoinOrder, error)
	// Complete pending -> completed，同时写入 captureID
	Complete(ctx context.Context, gatewayOrderID, captureID string, completedAt time.Time) error
	// UpdateStatus CAS 更新状态，当前状态不是 fromStatus 时返回 ErrOrderStatusInvalid
	UpdateStatus(ctx context.Context, gatewayOrderID string, fromStatus, toStatus string) error
	ListByUserID(ctx context.Context, userID int64) ([]*model.CoinOrder, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.CoinOrder, error)
}

type ItemRepository interface {
	Save(ctx context.Context, item *model.Item) error
	GetByID(ctx context.Context, id string) (*model.Item, error)
	GetByIDForUpdate(ctx context.Context, id string) (*model.Item, error)
	IncrementReadCount(ctx context.Context, id string) error
}

type PurchaseRepository interface {
	// Create 同一用户同一内容重复购买返回 ErrDuplicate
	Create(ctx context.Context, record *model.PurchaseRecord) error
	Exists(ctx context.Context, userID int64, itemID string) (bool, error)
	ListByUserID(ctx context.Context, userID int64) ([]*model.PurchaseRecord, error)
}

type ReadMarkRepository interface {
	Exists(ctx context.Context, itemID, actorKey string) (bool, error)
	Create(ctx context.Context, mark *model.ReadMark) error
}

type TransactionRepository interface {
	Create(ctx context.Context, trans *model.AccountTransaction) error
	ListByRefNo(ctx context.Context, refNo string) ([]*model.AccountTransaction, error)
	ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error)
}

type OutboxRepository interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementRetryCount(ctx context.Context, id int64) error
	MarkAsFailed(ctx context.Context, id int64) error
}
