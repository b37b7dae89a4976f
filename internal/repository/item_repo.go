package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"coinledger/internal/model"
)

type itemRepo struct {
	db *gorm.DB
}

func (r *itemRepo) Save(ctx context.Context, item *model.Item) error {
	return r.db.WithContext(ctx).Save(item).Error
}

func (r *itemRepo) GetByID(ctx context.Context, id string) (*model.Item, error) {
	return r.get(r.db.WithContext(ctx), id)
}

func (r *itemRepo) GetByIDForUpdate(ctx context.Context, id string) (*model.Item, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *itemRepo) get(db *gorm.DB, id string) (*model.Item, error) {
	var item model.Item
	if err := db.Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *itemRepo) IncrementReadCount(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Item{}).
		Where("id = ?", id).
		UpdateColumn("read_count", gorm.Expr("read_count + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

type purchaseRepo struct {
	db *gorm.DB
}

func (r *purchaseRepo) Create(ctx context.Context, record *model.PurchaseRecord) error {
	return translateErr(r.db.WithContext(ctx).Create(record).Error)
}

func (r *purchaseRepo) Exists(ctx context.Context, userID int64, itemID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.PurchaseRecord{}).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Count(&count).Error
	return count > 0, err
}

func (r *purchaseRepo) ListByUserID(ctx context.Context, userID int64) ([]*model.PurchaseRecord, error) {
	var records []*model.PurchaseRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("purchased_at DESC").
		Find(&records).Error
	return records, err
}

type readMarkRepo struct {
	db *gorm.DB
}

func (r *readMarkRepo) Exists(ctx context.Context, itemID, actorKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ReadMark{}).
		Where("item_id = ? AND actor_key = ?", itemID, actorKey).
		Count(&count).Error
	return count > 0, err
}

func (r *readMarkRepo) Create(ctx context.Context, mark *model.ReadMark) error {
	return translateErr(r.db.WithContext(ctx).Create(mark).Error)
}
