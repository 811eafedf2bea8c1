// Package server 提供进程内的 Bayeux 消息总线：会话登记、通道订阅、
// 消息路由与扩展链
package server

import (
	"gocomet/logging"
)

// State 总线生命周期状态
type State int32

const (
	// StateRunning 正在处理消息
	StateRunning State = iota
	// StateStopped 已停止，不再产生回复
	StateStopped
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Options 总线配置选项
type Options struct {
	Name       string
	Logger     logging.Logger
	Extensions []Extension

	// ReconnectAdvice 握手/连接回复中的 reconnect advice
	ReconnectAdvice string

	// ChannelIDCacheSize 通道名解析缓存容量，0 表示不缓存
	ChannelIDCacheSize int
}

// Option 配置修改函数
type Option func(*Options)

// DefaultOptions 获取默认配置
func DefaultOptions() *Options {
	return &Options{
		Name:               "gocomet-bus",
		ReconnectAdvice:    "retry",
		ChannelIDCacheSize: 512,
	}
}

// WithName 设置总线名称（用于日志）
func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

// WithLogger 设置日志器
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithExtension 添加扩展
func WithExtension(ext Extension) Option {
	return func(o *Options) {
		o.Extensions = append(o.Extensions, ext)
	}
}

// WithChannelIDCache 设置通道名解析缓存容量
func WithChannelIDCache(size int) Option {
	return func(o *Options) {
		o.ChannelIDCacheSize = size
	}
}
