// Package local 提供与总线同进程的 Bayeux 客户端会话
//
// LocalSession 不经过任何传输与序列化：消息直接交给总线的 Handle，
// 回复在同一调用中同步返回并分发给回调与通道监听器。
package local

import (
	"context"
	"fmt"
	"sync/atomic"

	"gocomet/bayeux"
	"gocomet/client"
	"gocomet/errors"
	"gocomet/logging"
	"gocomet/server"
)

// Bus 本地会话依赖的总线能力，*server.Bus 实现了该接口
type Bus interface {
	NewMessage() *bayeux.Message
	NewChannelID(path string) (bayeux.ChannelID, error)
	NewLocalPeer(local server.Receiver, idHint string) *server.ServerSession
	RemoveSession(session *server.ServerSession) bool
	Handle(from *server.ServerSession, message *bayeux.Message) *bayeux.Message
	ExtendOutbound(message *bayeux.Message) bool
	ExtendInbound(from, to *server.ServerSession, reply *bayeux.Message) *bayeux.Message
}

var _ Bus = (*server.Bus)(nil)

// binding 已绑定状态：对端会话与对外可见的 id 总是同时存在
type binding struct {
	peer *server.ServerSession
	id   string
}

// Option 会话选项
type Option func(*LocalSession)

// WithLogger 设置会话日志器
func WithLogger(logger logging.Logger) Option {
	return func(s *LocalSession) {
		s.logger = logger
	}
}

// LocalSession 进程内客户端会话
//
// 状态机：Unbound -> (握手并连接成功) -> Bound -> (断开成功或服务端断开) -> Unbound。
// 所有操作在调用方 goroutine 上同步执行，内部不启动 goroutine。
type LocalSession struct {
	base   *client.Session
	bus    Bus
	idHint string
	logger logging.Logger
	ctx    context.Context
	queue  batchQueue

	// state 为 nil 表示 Unbound
	state atomic.Pointer[binding]
	// lastID 最近一次提交的 id，仅用于展示
	lastID atomic.Pointer[string]
}

// NewSession 创建绑定到 bus 的本地会话，idHint 用作会话 id 的前缀
func NewSession(bus Bus, idHint string, opts ...Option) *LocalSession {
	s := &LocalSession{
		bus:    bus,
		idHint: idHint,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.ComponentLogger("local.session")
	}
	s.logger = s.logger.WithFields(logging.String("hint", idHint))
	s.base = client.NewSession(sessionHooks{s: s}, s.logger)
	return s
}

// ============ 生命周期 ============

// Handshake 握手并连接
//
// 握手回复成功后立即以候选对端身份发送 connect（advice interval=-1，不做长轮询），
// 只有 connect 也成功才提交绑定。任一步失败不返回错误：会话保持 Unbound，
// 调用方通过 IsHandshook 或 callback 收到的回复判断结果。
// 已绑定时返回 INVALID_STATE。
func (s *LocalSession) Handshake(template map[string]any, callback bayeux.MessageListener) error {
	if s.state.Load() != nil {
		return errors.NewInvalidState(fmt.Sprintf("session %s is already handshaken", s))
	}

	peer := s.bus.NewLocalPeer(s, s.idHint)

	handshake := s.bus.NewMessage()
	if template != nil {
		handshake.PutAll(template)
	}
	handshake.SetChannel(bayeux.MetaHandshake)
	handshake.Callback = callback
	s.dispatch(peer, handshake)

	if reply := handshake.Associated(); reply == nil || !reply.IsSuccessful() {
		s.discard(peer, "handshake failed")
		return nil
	}

	connect := s.bus.NewMessage()
	connect.SetChannel(bayeux.MetaConnect)
	connect.SetClientID(peer.ID())
	connect.Advice(true)[bayeux.IntervalAdvice] = bayeux.NoLongPollInterval
	s.dispatch(peer, connect)

	if reply := connect.Associated(); reply == nil || !reply.IsSuccessful() {
		s.discard(peer, "connect failed")
		return nil
	}

	if !s.state.CompareAndSwap(nil, &binding{peer: peer, id: peer.ID()}) {
		// 并发握手已先行提交
		s.discard(peer, "concurrent handshake committed first")
		return errors.NewInvalidState(fmt.Sprintf("session %s is already handshaken", s))
	}
	id := peer.ID()
	s.lastID.Store(&id)
	s.logger.Info(s.ctx, "session handshaken", logging.Session(s))
	return nil
}

// discard 丢弃未提交的候选对端
func (s *LocalSession) discard(peer *server.ServerSession, reason string) {
	s.bus.RemoveSession(peer)
	s.logger.Debug(s.ctx, "handshake candidate discarded",
		logging.String("candidate", peer.ID()),
		logging.String("reason", reason))
}

// Disconnect 断开会话
//
// 未连接时什么也不做。断开消息遵循当前批处理，随后强制结束所有未结束的批处理，
// 保证返回前消息已经发出。
func (s *LocalSession) Disconnect(callback bayeux.MessageListener) {
	b := s.state.Load()
	if b == nil || !b.peer.IsConnected() {
		return
	}

	message := s.bus.NewMessage()
	message.SetChannel(bayeux.MetaDisconnect)
	message.SetClientID(b.id)
	message.Callback = callback
	s.send(b.peer, message)

	for s.base.IsBatching() {
		s.base.EndBatch()
	}
}

// ID 会话 id，未绑定时返回 INVALID_STATE
func (s *LocalSession) ID() (string, error) {
	b := s.state.Load()
	if b == nil {
		return "", errors.NewInvalidState(fmt.Sprintf("session %s has not handshaken", s))
	}
	return b.id, nil
}

// ServerSession 总线内的对端会话，未绑定时返回 INVALID_STATE
func (s *LocalSession) ServerSession() (*server.ServerSession, error) {
	b := s.state.Load()
	if b == nil {
		return nil, errors.NewInvalidState(fmt.Sprintf("session %s has not handshaken", s))
	}
	return b.peer, nil
}

// IsHandshook 是否已绑定且对端报告已握手
func (s *LocalSession) IsHandshook() bool {
	b := s.state.Load()
	return b != nil && b.peer.IsHandshook()
}

// IsConnected 是否已绑定且对端报告已连接
func (s *LocalSession) IsConnected() bool {
	b := s.state.Load()
	return b != nil && b.peer.IsConnected()
}

func (s *LocalSession) peer() *server.ServerSession {
	if b := s.state.Load(); b != nil {
		return b.peer
	}
	return nil
}

// String L:<id>，从未握手时为 L:<hint>_<disconnected>
func (s *LocalSession) String() string {
	if id := s.lastID.Load(); id != nil {
		return "L:" + *id
	}
	return "L:" + s.idHint + "_<disconnected>"
}

// ============ 批处理与通道 ============

// StartBatch 开启（可嵌套的）批处理，期间发送的消息在最外层 EndBatch 时按序发出
func (s *LocalSession) StartBatch() {
	s.base.StartBatch()
}

// EndBatch 结束一层批处理，深度归零并发出积压消息时返回 true
func (s *LocalSession) EndBatch() bool {
	return s.base.EndBatch()
}

// Batch 在批处理中执行 fn
func (s *LocalSession) Batch(fn func()) {
	s.base.Batch(fn)
}

// IsBatching 是否处于批处理中
func (s *LocalSession) IsBatching() bool {
	return s.base.IsBatching()
}

// Channel 获取（必要时创建）通道句柄
func (s *LocalSession) Channel(path string) (*LocalChannel, error) {
	ch, err := s.base.Channel(path)
	if err != nil {
		return nil, err
	}
	return ch.(*LocalChannel), nil
}

// ============ 收发 ============

// Receive 接收总线投递的消息或回复
//
// 先走通用通知流程；观察到成功的 /meta/disconnect 时清除绑定，
// 服务端发起的断开也由此感知。
func (s *LocalSession) Receive(message *bayeux.Message) {
	s.base.Receive(message)

	if message.Channel() != bayeux.MetaDisconnect || !message.IsSuccessful() {
		return
	}
	b := s.state.Load()
	if b == nil || (message.ClientID() != "" && message.ClientID() != b.id) {
		return
	}
	if s.state.CompareAndSwap(b, nil) {
		s.logger.Info(s.ctx, "session disconnected", logging.String("session", b.id))
	}
}

// notifyListeners 先通知本条消息的回调（随消息携带或按 id 登记的），再走通用通知
func (s *LocalSession) notifyListeners(message *bayeux.Message) {
	callback := message.Callback
	message.Callback = nil

	if message.IsMeta() || message.IsPublishReply() {
		if registered := s.base.Registry().UnregisterCallback(message.ID()); registered != nil {
			callback = registered
		}
		if callback != nil {
			s.base.NotifyListener(callback, message)
		}
	}

	s.base.NotifyListeners(message)
}

// send 批处理中入队，否则立即发送
//
// 入队后批处理可能已被其他 goroutine 结束并完成 flush，此时由本次调用补发。
func (s *LocalSession) send(peer *server.ServerSession, message *bayeux.Message) {
	if s.base.IsBatching() {
		s.queue.enqueue(message)
		if !s.base.IsBatching() {
			s.sendBatch()
		}
		return
	}
	s.dispatch(peer, message)
}

// sendBatch 发送积压消息，使用发送时的绑定对端
func (s *LocalSession) sendBatch() {
	if n := s.queue.drain(func(message *bayeux.Message) {
		s.dispatch(s.peer(), message)
	}); n > 0 {
		s.logger.Debug(s.ctx, "batch flushed", logging.Int("messages", n))
	}
}

// dispatch 分配 id、取下监听器后交给总线，并处理回复
//
// 扩展拒绝或没有回复时静默结束，不通知任何监听器。
func (s *LocalSession) dispatch(peer *server.ServerSession, message *bayeux.Message) {
	id := s.base.NewMessageID()
	message.SetID(id)
	subscriber, callback := message.TakeListeners()

	if !s.bus.ExtendOutbound(message) {
		s.logger.Debug(s.ctx, "send suppressed",
			bayeux.LogChannel(message), bayeux.LogID(message))
		s.abandon(message, subscriber)
		return
	}

	reply := s.bus.Handle(peer, message)
	reply = s.bus.ExtendInbound(peer, s.peer(), reply)
	if reply == nil {
		s.logger.Debug(s.ctx, "no reply",
			bayeux.LogChannel(message), bayeux.LogID(message))
		s.abandon(message, subscriber)
		return
	}

	registry := s.base.Registry()
	registry.RegisterSubscriber(id, subscriber)
	registry.RegisterCallback(id, callback)
	s.Receive(reply)
}

// abandon 订阅请求没有回复时释放通道上的未决订阅者
func (s *LocalSession) abandon(message *bayeux.Message, subscriber bayeux.MessageListener) {
	if subscriber != nil && message.Channel() == bayeux.MetaSubscribe {
		s.base.AbandonSubscribe(message.Subscription())
	}
}

// sessionHooks 把通用会话的扩展点接到 LocalSession
type sessionHooks struct {
	s *LocalSession
}

func (h sessionHooks) NewChannelID(path string) (bayeux.ChannelID, error) {
	return h.s.bus.NewChannelID(path)
}

func (h sessionHooks) NewChannel(id bayeux.ChannelID) client.Channel {
	return newLocalChannel(h.s, id)
}

func (h sessionHooks) SendBatch() {
	h.s.sendBatch()
}

func (h sessionHooks) NotifyListeners(message *bayeux.Message) {
	h.s.notifyListeners(message)
}
