package errors

import (
	"context"
	stdErrors "errors"
	"net"
)

// Normalize 将传输层/运行时的错误规范化为 AppError。
//
// 注意：
//   - 如果传入的 err 已经是 IError，则原样返回；
//   - 未识别的错误保持原样，不强行包装，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	if stdErrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrCodeTimeout, "操作超时")
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapError(err, ErrCodeTimeout, "网络超时")
		}
		return WrapError(err, ErrCodeNetwork, "网络错误")
	}

	return err
}
