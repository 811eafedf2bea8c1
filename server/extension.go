package server

import (
	"gocomet/bayeux"
)

// Extension 总线扩展
//
// Incoming 在客户端消息进入总线前调用，返回 false 丢弃该消息；
// Outgoing 在回复或投递离开总线前调用，返回 false 丢弃该消息。
type Extension interface {
	Incoming(message *bayeux.Message) bool
	Outgoing(from, to *ServerSession, message *bayeux.Message) bool
}

// ExtensionFuncs 以函数组装扩展，未设置的方向默认放行
type ExtensionFuncs struct {
	OnIncoming func(message *bayeux.Message) bool
	OnOutgoing func(from, to *ServerSession, message *bayeux.Message) bool
}

// Incoming 实现 Extension
func (e *ExtensionFuncs) Incoming(message *bayeux.Message) bool {
	if e.OnIncoming == nil {
		return true
	}
	return e.OnIncoming(message)
}

// Outgoing 实现 Extension
func (e *ExtensionFuncs) Outgoing(from, to *ServerSession, message *bayeux.Message) bool {
	if e.OnOutgoing == nil {
		return true
	}
	return e.OnOutgoing(from, to, message)
}

// AddExtension 追加扩展
func (b *Bus) AddExtension(ext Extension) {
	if ext == nil {
		return
	}
	b.extMu.Lock()
	defer b.extMu.Unlock()
	b.extensions = append(b.extensions, ext)
}

// RemoveExtension 移除扩展
func (b *Bus) RemoveExtension(ext Extension) {
	b.extMu.Lock()
	defer b.extMu.Unlock()
	for i, e := range b.extensions {
		if e == ext {
			b.extensions = append(b.extensions[:i:i], b.extensions[i+1:]...)
			return
		}
	}
}

func (b *Bus) extensionsSnapshot() []Extension {
	b.extMu.RLock()
	defer b.extMu.RUnlock()
	return b.extensions
}

// ExtendOutbound 对即将进入总线的客户端消息执行扩展链，任一扩展拒绝时返回 false
func (b *Bus) ExtendOutbound(message *bayeux.Message) bool {
	for _, ext := range b.extensionsSnapshot() {
		if !ext.Incoming(message) {
			b.logger.Debug(b.ctx, "message rejected by extension",
				bayeux.LogChannel(message), bayeux.LogID(message))
			return false
		}
	}
	return true
}

// ExtendInbound 对离开总线的回复执行扩展链，任一扩展拒绝时返回 nil
func (b *Bus) ExtendInbound(from, to *ServerSession, reply *bayeux.Message) *bayeux.Message {
	if reply == nil {
		return nil
	}
	for _, ext := range b.extensionsSnapshot() {
		if !ext.Outgoing(from, to, reply) {
			b.logger.Debug(b.ctx, "reply suppressed by extension",
				bayeux.LogChannel(reply), bayeux.LogID(reply))
			return nil
		}
	}
	return reply
}
