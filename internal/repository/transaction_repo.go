package repository

import (
	"context"

	"gorm.io/gorm"

	"coinledger/internal/model"
)

type transactionRepo struct {
	db *gorm.DB
}

func (r *transactionRepo) Create(ctx context.Context, trans *model.AccountTransaction) error {
	return translateErr(r.db.WithContext(ctx).Create(trans).Error)
}

func (r *transactionRepo) ListByRefNo(ctx context.Context, refNo string) ([]*model.AccountTransaction, error) {
	var transactions []*model.AccountTransaction
	err := r.db.WithContext(ctx).
		Where("ref_no = ?", refNo).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *transactionRepo) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	var transactions []*model.AccountTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AccountTransaction{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
