package model

import (
	"time"
)

// Account 用户硬币账户
// 余额只会被两种操作修改：订单结算入账、内容购买扣款，且都在行锁内完成
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"` // 可用硬币数，不能为负
	Version   int       `gorm:"not null;default:0" json:"version"` // 每次余额变动 +1
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
