package model

import (
	"time"
)

// Item 可购买内容（章节）
// 内容本身由内容服务维护，这里只读取价格和累加阅读数
type Item struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title        string    `gorm:"type:varchar(255);not null" json:"title"`
	IsPremium    bool      `gorm:"not null;default:false" json:"is_premium"`
	PriceInCoins int64     `gorm:"not null;default:0" json:"price_in_coins"` // 0 表示使用默认价格
	ReadCount    int64     `gorm:"not null;default:0" json:"read_count"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Item) TableName() string {
	return "content_item"
}

// PurchaseRecord 购买凭证，PriceCharged 是购买时的价格快照
type PurchaseRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID       int64     `gorm:"uniqueIndex:uk_user_item;not null" json:"user_id"`
	ItemID       string    `gorm:"type:varchar(64);uniqueIndex:uk_user_item;not null" json:"item_id"`
	PriceCharged int64     `gorm:"not null" json:"price_charged"`
	PurchasedAt  time.Time `gorm:"not null;index" json:"purchased_at"`
}

func (PurchaseRecord) TableName() string {
	return "purchase_record"
}

// ReadMark 首次阅读标记，每个 (item, actor) 最多一条
type ReadMark struct {
	ID       int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemID   string    `gorm:"type:varchar(64);uniqueIndex:uk_item_actor;not null" json:"item_id"`
	ActorKey string    `gorm:"type:varchar(128);uniqueIndex:uk_item_actor;not null" json:"actor_key"`
	MarkedAt time.Time `gorm:"not null" json:"marked_at"`
}

func (ReadMark) TableName() string {
	return "read_mark"
}
