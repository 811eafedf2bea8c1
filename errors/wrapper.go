package errors

import (
	"context"
	"fmt"
	"runtime"

	"gocomet/logging"
)

// Wrap 包装错误，添加错误码和上下文信息
// 建议：在包边界使用（如桥接传输层返回的错误）
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	wrapped := WrapError(err, code, msg)

	// 避免重复记录，使用Debug级别
	logging.GetLogger().Debug(ctx, fmt.Sprintf("错误包装: %s (位置: %s:%d)", msg, file, line))

	return wrapped
}

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)

	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// WrapBridgeError 包装桥接传输错误
// 已经是 AppError 的错误保留原错误码
func WrapBridgeError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	return WrapWithLog(ctx, err, ErrCodeBridge,
		fmt.Sprintf("桥接操作失败: %s", operation),
		logging.String("operation", operation),
	)
}

// New 创建新错误（带调用位置）
func New(code ErrorCode, msg string) error {
	_, file, line, _ := runtime.Caller(1)
	enhancedMsg := fmt.Sprintf("%s (位置: %s:%d)", msg, file, line)
	return NewError(code, enhancedMsg)
}

// NewInvalidState 创建会话状态错误
func NewInvalidState(msg string) error {
	return NewError(ErrCodeInvalidState, msg)
}

// NewReleased 创建资源已释放错误
func NewReleased(msg string) error {
	return NewError(ErrCodeReleased, msg)
}
