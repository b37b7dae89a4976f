package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("网关认证失败")
	ErrInvalidRequest  = errors.New("网关请求参数错误")
	ErrUnavailable     = errors.New("网关不可用")
	ErrNotFound        = errors.New("网关资源不存在")
)

const (
	// IssueOrderAlreadyCaptured 重复 capture
	IssueOrderAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
	// IssueOrderNotApproved 买家还没有在网关页面确认支付
	IssueOrderNotApproved = "ORDER_NOT_APPROVED"
)

// Error 网关调用错误，Kind 是上面四个哨兵之一
type Error struct {
	Op         string
	Kind       error
	StatusCode int
	Issue      string
	Message    string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.StatusCode)
	}
	if e.Issue != "" {
		msg += " issue=" + e.Issue
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IssueOf 取出错误中的网关 issue
func IssueOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Issue
	}
	return ""
}

// IsTimeout 网关调用是否超时，超时的结果未知，不能当作失败处理
func IsTimeout(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Timeout
}
