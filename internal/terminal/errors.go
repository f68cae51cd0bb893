package terminal

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnreachable 表示终端代理不可达或调用超时。
	ErrUnreachable = errors.New("terminal endpoint unreachable")
	// ErrNotAuthenticated 表示终端没有该账户的有效会话。
	ErrNotAuthenticated = errors.New("terminal session not initialized")
	// ErrSymbolUnavailable 表示交易品种无法解析或无报价。
	ErrSymbolUnavailable = errors.New("symbol unavailable")
	// ErrPositionNotFound 表示按票号找不到持仓。
	ErrPositionNotFound = errors.New("position not found")
	// ErrInvalidVolume 表示手数不是有效的正数。
	ErrInvalidVolume = errors.New("invalid volume")
)

// ValidationError 表示意图字段在本地校验阶段被拒绝。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("terminal: 字段 %s 校验失败: %s", e.Field, e.Reason)
}

// RejectError 表示终端受理了请求但拒绝了委托，携带经纪商返回码。
type RejectError struct {
	Code    int
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("terminal: order rejected (retcode=%d)", e.Code)
	}
	return fmt.Sprintf("terminal: order rejected (retcode=%d): %s", e.Code, e.Message)
}

// IsRetryable 判断错误是否为可重试的瞬时故障。
// 委托拒绝与会话、品种、持仓类错误都不可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rejectErr *RejectError
	if errors.As(err, &rejectErr) {
		return false
	}
	if errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrSymbolUnavailable) ||
		errors.Is(err, ErrPositionNotFound) ||
		errors.Is(err, ErrInvalidVolume) {
		return false
	}

	if errors.Is(err, ErrUnreachable) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
