// Package client 提供客户端会话的通用基础：批处理深度、消息 id 生成、
// 回调/订阅者登记表、通道登记与监听器通知。
//
// 具体会话（如 local.LocalSession）通过 Hooks 提供通道实现、通道名解析、
// 批量发送与消息通知逻辑。
package client

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"gocomet/bayeux"
	"gocomet/logging"
)

// Channel 具体会话的通道实现
type Channel interface {
	// Base 返回通用通道状态
	Base() *SessionChannel
}

// Hooks 由具体会话实现的扩展点
type Hooks interface {
	// NewChannelID 解析通道名
	NewChannelID(path string) (bayeux.ChannelID, error)

	// NewChannel 为给定通道标识创建通道
	NewChannel(id bayeux.ChannelID) Channel

	// SendBatch 批处理深度归零时发送积压的消息
	SendBatch()

	// NotifyListeners 通知消息的回调与通道监听器
	NotifyListeners(message *bayeux.Message)
}

// Session 客户端会话的通用状态
type Session struct {
	hooks    Hooks
	logger   logging.Logger
	registry *Registry

	batch     atomic.Int32
	messageID atomic.Int64

	channelsMu sync.Mutex
	channels   map[string]Channel
}

// NewSession 创建会话基础状态
func NewSession(hooks Hooks, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.ComponentLogger("client.session")
	}
	return &Session{
		hooks:    hooks,
		logger:   logger,
		registry: NewRegistry(),
		channels: make(map[string]Channel),
	}
}

// Logger 会话使用的日志器
func (s *Session) Logger() logging.Logger {
	return s.logger
}

// Registry 回调与订阅者登记表
func (s *Session) Registry() *Registry {
	return s.registry
}

// NewMessageID 生成会话内唯一的消息 id
func (s *Session) NewMessageID() string {
	return strconv.FormatInt(s.messageID.Add(1), 10)
}

// ============ 批处理 ============

// StartBatch 开启（可嵌套的）批处理
func (s *Session) StartBatch() {
	s.batch.Add(1)
}

// EndBatch 结束一层批处理；深度归零时发送积压消息并返回 true
func (s *Session) EndBatch() bool {
	depth := s.batch.Add(-1)
	if depth == 0 {
		s.hooks.SendBatch()
		return true
	}
	if depth < 0 {
		// 未配对的 EndBatch，恢复为 0
		s.batch.CompareAndSwap(depth, 0)
	}
	return false
}

// Batch 在批处理中执行 fn
func (s *Session) Batch(fn func()) {
	s.StartBatch()
	defer s.EndBatch()
	fn()
}

// IsBatching 是否处于批处理中
func (s *Session) IsBatching() bool {
	return s.batch.Load() > 0
}

// ============ 通道 ============

// Channel 获取（必要时创建）通道
func (s *Session) Channel(path string) (Channel, error) {
	s.channelsMu.Lock()
	ch, ok := s.channels[path]
	s.channelsMu.Unlock()
	if ok {
		return ch, nil
	}

	id, err := s.hooks.NewChannelID(path)
	if err != nil {
		return nil, err
	}

	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	if ch, ok := s.channels[id.String()]; ok {
		return ch, nil
	}
	ch = s.hooks.NewChannel(id)
	ch.Base().attach(s, ch)
	s.channels[id.String()] = ch
	return ch, nil
}

// Channels 当前登记的通道快照
func (s *Session) Channels() []Channel {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	result := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		result = append(result, ch)
	}
	return result
}

func (s *Session) lookupChannel(path string) Channel {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	return s.channels[path]
}

func (s *Session) removeChannel(ch Channel) {
	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	path := ch.Base().ID().String()
	if s.channels[path] == ch {
		delete(s.channels, path)
	}
}

// ============ 接收与通知 ============

// Receive 处理一条来自服务端的消息（回复或推送）
//
// 订阅回复会先处理订阅者登记：成功时把监听器挂到目标通道。
// 随后交给 Hooks.NotifyListeners。
func (s *Session) Receive(message *bayeux.Message) {
	if message.Channel() == "" {
		s.logger.Warn(context.Background(), "dropping message without channel",
			logging.String("message_id", message.ID()))
		return
	}

	if message.Channel() == bayeux.MetaSubscribe {
		if subscriber := s.registry.UnregisterSubscriber(message.ID()); subscriber != nil {
			s.completeSubscribe(message.Subscription(), message.IsSuccessful())
		}
	}

	s.hooks.NotifyListeners(message)
}

// AbandonSubscribe 订阅请求被丢弃、不会有回复时调用，清除该通道的未决订阅者
func (s *Session) AbandonSubscribe(subscription string) {
	s.completeSubscribe(subscription, false)
}

func (s *Session) completeSubscribe(subscription string, successful bool) {
	if ch := s.lookupChannel(subscription); ch != nil {
		ch.Base().completeSubscribe(successful)
	}
}

// NotifyListeners 通用通知：先通知回调，再通知通道及其通配通道上的监听器
func (s *Session) NotifyListeners(message *bayeux.Message) {
	if message.IsMeta() || message.IsPublishReply() {
		if callback := s.registry.UnregisterCallback(message.ID()); callback != nil {
			s.NotifyListener(callback, message)
		}
	}

	ch := s.lookupChannel(message.Channel())
	if ch != nil {
		ch.Base().notifyMessageListeners(message)
	}

	id, err := bayeux.ParseChannelID(message.Channel())
	if err != nil {
		return
	}
	for _, wild := range id.Wilds() {
		if wch := s.lookupChannel(wild); wch != nil {
			wch.Base().notifyMessageListeners(message)
		}
	}
}

// NotifyListener 调用单个监听器，监听器 panic 时记录日志并继续
func (s *Session) NotifyListener(listener bayeux.MessageListener, message *bayeux.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn(context.Background(), "message listener panicked",
				logging.String("channel", message.Channel()),
				logging.String("message_id", message.ID()),
				logging.String("panic", fmt.Sprint(r)))
		}
	}()
	listener.OnMessage(message)
}
