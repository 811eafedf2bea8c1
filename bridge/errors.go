package bridge

import "errors"

// 桥接相关错误
var (
	// ErrInvalidMessage 无效的消息
	ErrInvalidMessage = errors.New("invalid message")

	// ErrSerializationFailed 序列化失败
	ErrSerializationFailed = errors.New("serialization failed")

	// ErrDeserializationFailed 反序列化失败
	ErrDeserializationFailed = errors.New("deserialization failed")

	// ErrNotRunning 传输未启动
	ErrNotRunning = errors.New("transport not running")

	// ErrAlreadyRunning 传输已启动
	ErrAlreadyRunning = errors.New("transport already running")

	// ErrHandshakeFailed 桥接会话握手失败
	ErrHandshakeFailed = errors.New("bridge session handshake failed")
)
