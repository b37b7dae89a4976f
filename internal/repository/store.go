package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"coinledger/internal/model"
)

type gormStore struct {
	db *gorm.DB
}

// NewGormStore MySQL 账本存储，行锁使用 SELECT ... FOR UPDATE
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Account{},
		&model.CoinOrder{},
		&model.Item{},
		&model.PurchaseRecord{},
		&model.ReadMark{},
		&model.AccountTransaction{},
		&model.OutboxMessage{},
	)
}

func (s *gormStore) Accounts() AccountRepository         { return &accountRepo{db: s.db} }
func (s *gormStore) Orders() OrderRepository             { return &orderRepo{db: s.db} }
func (s *gormStore) Items() ItemRepository               { return &itemRepo{db: s.db} }
func (s *gormStore) Purchases() PurchaseRepository       { return &purchaseRepo{db: s.db} }
func (s *gormStore) ReadMarks() ReadMarkRepository       { return &readMarkRepo{db: s.db} }
func (s *gormStore) Transactions() TransactionRepository { return &transactionRepo{db: s.db} }
func (s *gormStore) Outbox() OutboxRepository            { return &outboxRepo{db: s.db} }

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

// translateErr 需要 gorm.Config.TranslateError 开启
func translateErr(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}
