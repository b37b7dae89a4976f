package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest      = errors.New("请求参数错误")
	ErrNotFound            = errors.New("记录不存在")
	ErrUnauthenticated     = errors.New("webhook 认证失败")
	ErrGatewayUnavailable  = errors.New("支付网关暂不可用")
	ErrPaymentNotCompleted = errors.New("支付未完成")
	ErrCaptureMismatch     = errors.New("capture ID 不匹配")
	ErrOrderNotPending     = errors.New("订单已失败或已关闭")
	ErrAlreadyPurchased    = errors.New("已购买过该内容")
	ErrNotPurchasable      = errors.New("该内容免费，无需购买")
	ErrInsufficientFunds   = errors.New("硬币余额不足")
	ErrBusy                = errors.New("系统繁忙，请稍后重试")
)

// 区分订单和内容不存在，errors.Is(err, ErrNotFound) 仍然成立
var (
	ErrOrderNotFound = fmt.Errorf("订单%w", ErrNotFound)
	ErrItemNotFound  = fmt.Errorf("内容%w", ErrNotFound)
)

// InsufficientFundsError 余额不足，带上所需和可用硬币数
type InsufficientFundsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("硬币余额不足: 需要 %d, 可用 %d", e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// invalid 包装参数错误，保留具体原因
func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
