package client

import (
	"sync"
	"sync/atomic"

	"gocomet/bayeux"
	"gocomet/errors"
)

// ChannelOps 具体通道实现的协议发送逻辑
type ChannelOps interface {
	// SendSubscribe 发送订阅请求；listener 在订阅成功后挂到通道上
	SendSubscribe(listener, callback bayeux.MessageListener) error

	// SendUnsubscribe 发送取消订阅请求
	SendUnsubscribe(callback bayeux.MessageListener) error
}

// SessionChannel 通道的通用状态：普通监听器、订阅者与释放标记
type SessionChannel struct {
	id       bayeux.ChannelID
	ops      ChannelOps
	session  *Session
	self     Channel
	released atomic.Bool

	mu            sync.Mutex
	listeners     []bayeux.MessageListener
	subscriptions []bayeux.MessageListener
	// pending 订阅请求已发出、回复尚未到达的订阅者
	pending []bayeux.MessageListener
}

// NewSessionChannel 创建通道通用状态
func NewSessionChannel(id bayeux.ChannelID, ops ChannelOps) *SessionChannel {
	return &SessionChannel{id: id, ops: ops}
}

func (c *SessionChannel) attach(session *Session, self Channel) {
	c.session = session
	c.self = self
}

// ID 通道标识
func (c *SessionChannel) ID() bayeux.ChannelID {
	return c.id
}

// Base 实现 Channel
func (c *SessionChannel) Base() *SessionChannel {
	return c
}

// IsReleased 是否已释放
func (c *SessionChannel) IsReleased() bool {
	return c.released.Load()
}

// ThrowIfReleased 已释放时返回 RELEASED 错误
func (c *SessionChannel) ThrowIfReleased() error {
	if c.released.Load() {
		return errors.NewErrorf(errors.ErrCodeReleased, "channel %s has been released", c.id)
	}
	return nil
}

// AddListener 添加普通监听器（接收该通道上的所有消息，包括回复）
func (c *SessionChannel) AddListener(listener bayeux.MessageListener) error {
	if err := c.ThrowIfReleased(); err != nil {
		return err
	}
	if listener == nil {
		return errors.NewError(errors.ErrCodeInvalidInput, "listener is nil")
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
	return nil
}

// RemoveListener 移除普通监听器
func (c *SessionChannel) RemoveListener(listener bayeux.MessageListener) error {
	if err := c.ThrowIfReleased(); err != nil {
		return err
	}
	c.mu.Lock()
	c.listeners = removeListener(c.listeners, listener)
	c.mu.Unlock()
	return nil
}

// Listeners 普通监听器快照
func (c *SessionChannel) Listeners() []bayeux.MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bayeux.MessageListener(nil), c.listeners...)
}

// Subscribers 订阅者快照
func (c *SessionChannel) Subscribers() []bayeux.MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bayeux.MessageListener(nil), c.subscriptions...)
}

// Subscribe 订阅通道
//
// 通道尚无订阅者时发送订阅请求，listener 在订阅成功回复到达后挂上；
// 请求未决期间（例如批处理中）再订阅的 listener 跟随同一请求，不重复发送；
// 已有订阅者时直接挂上，不再发送请求，callback 不会被调用。
// 返回是否接受了本次订阅（重复订阅同一 listener 返回 false）。
func (c *SessionChannel) Subscribe(listener, callback bayeux.MessageListener) (bool, error) {
	if err := c.ThrowIfReleased(); err != nil {
		return false, err
	}
	if listener == nil {
		return false, errors.NewError(errors.ErrCodeInvalidInput, "listener is nil")
	}

	c.mu.Lock()
	if containsListener(c.subscriptions, listener) || containsListener(c.pending, listener) {
		c.mu.Unlock()
		return false, nil
	}
	if len(c.subscriptions) > 0 {
		c.subscriptions = append(c.subscriptions, listener)
		c.mu.Unlock()
		return true, nil
	}
	inFlight := len(c.pending) > 0
	c.pending = append(c.pending, listener)
	c.mu.Unlock()
	if inFlight {
		return true, nil
	}

	if err := c.ops.SendSubscribe(listener, callback); err != nil {
		c.mu.Lock()
		c.pending = removeListener(c.pending, listener)
		c.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Unsubscribe 取消 listener 的订阅，最后一个订阅者移除时发送取消订阅请求
//
// 未决订阅者同样可以取消，订阅回复到达后不会再挂上。
func (c *SessionChannel) Unsubscribe(listener, callback bayeux.MessageListener) (bool, error) {
	if err := c.ThrowIfReleased(); err != nil {
		return false, err
	}

	c.mu.Lock()
	switch {
	case containsListener(c.subscriptions, listener):
		c.subscriptions = removeListener(c.subscriptions, listener)
	case containsListener(c.pending, listener):
		c.pending = removeListener(c.pending, listener)
	default:
		c.mu.Unlock()
		return false, nil
	}
	last := len(c.subscriptions) == 0 && len(c.pending) == 0
	c.mu.Unlock()

	if last {
		if err := c.ops.SendUnsubscribe(callback); err != nil {
			return true, err
		}
	}
	return true, nil
}

// UnsubscribeAll 移除全部订阅者（含未决的）并发送取消订阅请求
func (c *SessionChannel) UnsubscribeAll(callback bayeux.MessageListener) error {
	if err := c.ThrowIfReleased(); err != nil {
		return err
	}

	c.mu.Lock()
	had := len(c.subscriptions) > 0 || len(c.pending) > 0
	c.subscriptions = nil
	c.pending = nil
	c.mu.Unlock()

	if had {
		return c.ops.SendUnsubscribe(callback)
	}
	return nil
}

// Release 释放通道：没有监听器与订阅者时从会话中移除并返回 true
func (c *SessionChannel) Release() bool {
	if c.released.Load() {
		return true
	}

	c.mu.Lock()
	if len(c.listeners) > 0 || len(c.subscriptions) > 0 || len(c.pending) > 0 {
		c.mu.Unlock()
		return false
	}
	c.released.Store(true)
	c.mu.Unlock()

	if c.session != nil {
		c.session.removeChannel(c.self)
	}
	return true
}

// completeSubscribe 订阅回复到达：成功时挂上所有仍未决的订阅者，失败时全部丢弃
func (c *SessionChannel) completeSubscribe(successful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	if !successful {
		return
	}
	for _, l := range pending {
		if !containsListener(c.subscriptions, l) {
			c.subscriptions = append(c.subscriptions, l)
		}
	}
}

// notifyMessageListeners 通知普通监听器；仅携带 data 的消息会通知订阅者
func (c *SessionChannel) notifyMessageListeners(message *bayeux.Message) {
	c.mu.Lock()
	listeners := append([]bayeux.MessageListener(nil), c.listeners...)
	var subscribers []bayeux.MessageListener
	if message.Has(bayeux.DataField) {
		subscribers = append(subscribers, c.subscriptions...)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		c.session.NotifyListener(l, message)
	}
	for _, l := range subscribers {
		c.session.NotifyListener(l, message)
	}
}

// String 通道名
func (c *SessionChannel) String() string {
	return c.id.String()
}

func containsListener(list []bayeux.MessageListener, listener bayeux.MessageListener) bool {
	for _, l := range list {
		if l == listener {
			return true
		}
	}
	return false
}

func removeListener(list []bayeux.MessageListener, listener bayeux.MessageListener) []bayeux.MessageListener {
	for i, l := range list {
		if l == listener {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
