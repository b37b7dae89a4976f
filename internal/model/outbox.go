package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 与账本变动同事务写入，由 OutboxSender 提交后异步投递
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// CoinsCreditedEvent 订单结算成功后的通知
type CoinsCreditedEvent struct {
	TransactionID string    `json:"transaction_id"`
	UserID        int64     `json:"user_id"`
	PurchaseID    int64     `json:"purchase_id"`
	OrderID       string    `json:"order_id"`
	CaptureID     string    `json:"capture_id"`
	CoinAmount    int64     `json:"coin_amount"`
	AmountPaid    string    `json:"amount_paid"`
	Currency      string    `json:"currency"`
	NewBalance    int64     `json:"new_balance"`
	Channel       string    `json:"channel"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ItemPurchasedEvent 内容购买成功后的通知
type ItemPurchasedEvent struct {
	TransactionID    string    `json:"transaction_id"`
	UserID           int64     `json:"user_id"`
	RecordID         int64     `json:"record_id"`
	ItemID           string    `json:"item_id"`
	PriceCharged     int64     `json:"price_charged"`
	RemainingBalance int64     `json:"remaining_balance"`
	PurchasedAt      time.Time `json:"purchased_at"`
}
