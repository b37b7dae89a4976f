package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"coinledger/internal/model"
)

type orderRepo struct {
	db *gorm.DB
}

func (r *orderRepo) Create(ctx context.Context, order *model.CoinOrder) error {
	return translateErr(r.db.WithContext(ctx).Create(order).Error)
}

func (r *orderRepo) GetByID(ctx context.Context, id int64) (*model.CoinOrder, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *orderRepo) GetByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*model.CoinOrder, error) {
	return r.first(ctx, "gateway_order_id = ?", gatewayOrderID)
}

func (r *orderRepo) first(ctx context.Context, query string, arg interface{}) (*model.CoinOrder, error) {
	var order model.CoinOrder
	err := r.db.WithContext(ctx).Where(query, arg).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepo) Complete(ctx context.Context, gatewayOrderID, captureID string, completedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.CoinOrder{}).
		Where("gateway_order_id = ? AND status = ?", gatewayOrderID, model.OrderStatusPending).
		Updates(map[string]interface{}{
			"status":             model.OrderStatusCompleted,
			"gateway_capture_id": captureID,
			"completed_at":       &completedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

func (r *orderRepo) UpdateStatus(ctx context.Context, gatewayOrderID string, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}

	result := r.db.WithContext(ctx).
		Model(&model.CoinOrder{}).
		Where("gateway_order_id = ? AND status = ?", gatewayOrderID, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}
	return nil
}

func (r *orderRepo) ListByUserID(ctx context.Context, userID int64) ([]*model.CoinOrder, error) {
	var orders []*model.CoinOrder
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error
	return orders, err
}

func (r *orderRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.CoinOrder, error) {
	var orders []*model.CoinOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.OrderStatusPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
