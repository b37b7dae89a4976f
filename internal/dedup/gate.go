// Package dedup 首次出现才生效的计数模式
//
// 调用方必须保证 Run 在同一把锁内执行（通常是持有行锁的数据库事务），
// 否则 Seen 和 Mark 之间存在竞争窗口。
package dedup

import (
	"context"
	"fmt"
)

// Gate 检查标记是否存在，不存在则写入标记并执行 Apply
type Gate struct {
	// Seen 标记已存在返回 true
	Seen func(ctx context.Context) (bool, error)
	// Mark 写入标记，可以为空（例如订单状态 CAS 本身就是标记）
	Mark func(ctx context.Context) error
	// Apply 只在第一次出现时执行
	Apply func(ctx context.Context) error
}

// Run 返回本次是否为第一次出现
func (g Gate) Run(ctx context.Context) (bool, error) {
	seen, err := g.Seen(ctx)
	if err != nil {
		return false, fmt.Errorf("检查去重标记失败: %w", err)
	}
	if seen {
		return false, nil
	}

	if g.Mark != nil {
		if err := g.Mark(ctx); err != nil {
			return false, err
		}
	}
	if g.Apply != nil {
		if err := g.Apply(ctx); err != nil {
			return false, err
		}
	}
	return true, nil
}
