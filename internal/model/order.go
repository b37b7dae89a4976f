package model

import (
	"time"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
	OrderStatusCancelled = "cancelled"
)

// completed 与 failed 都是终态，cancelled 只保留给人工处理
var ValidStatusTransitions = map[string][]string{
	OrderStatusPending: {OrderStatusCompleted, OrderStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// CoinOrder 一次购买硬币的尝试
// CoinAmount 和 AmountPaidCents 创建后不可修改
type CoinOrder struct {
	ID               int64      `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID           int64      `gorm:"index;not null" json:"user_id"`
	CoinAmount       int64      `gorm:"not null" json:"coin_amount"`
	AmountPaidCents  int64      `gorm:"not null" json:"amount_paid_cents"`
	Currency         string     `gorm:"type:varchar(8);not null" json:"currency"`
	Provider         string     `gorm:"type:varchar(32);not null" json:"provider"`
	GatewayOrderID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"gateway_order_id"`
	GatewayCaptureID string     `gorm:"type:varchar(64)" json:"gateway_capture_id,omitempty"`
	Status           string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ApprovalURL      string     `gorm:"type:varchar(512)" json:"approval_url,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CoinOrder) TableName() string {
	return "coin_purchase"
}

func (o *CoinOrder) IsCompleted() bool {
	return o.Status == OrderStatusCompleted
}
