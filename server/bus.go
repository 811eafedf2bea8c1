package server

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gocomet/bayeux"
	"gocomet/logging"
)

// 协议错误描述
const (
	ErrUnknownClient     = "402::Unknown client"
	ErrInvalidChannel    = "400::Invalid channel"
	ErrForbiddenChannel  = "403::Forbidden channel"
	ErrUnknownMeta       = "404::Unknown meta channel"
	ErrWildPublish       = "405::Publish to wild channel"
	ErrMissingClientID   = "401::Missing clientId"
	ErrSubscriptionEmpty = "400::Missing subscription"
)

// PublishListener 接收每条成功发布的广播消息
type PublishListener func(from *ServerSession, message *bayeux.Message)

// BusStats 总线统计信息
type BusStats struct {
	State     string `json:"state"`
	Sessions  int    `json:"sessions"`
	Channels  int    `json:"channels"`
	Handled   int64  `json:"handled"`
	Delivered int64  `json:"delivered"`

	ChannelIDs IDCacheStats `json:"channel_ids"`
}

// Bus 进程内消息总线
//
// Handle 在调用方 goroutine 上同步处理消息并返回回复；广播消息在返回前
// 同步投递给所有订阅的本地会话。
type Bus struct {
	opts   *Options
	logger logging.Logger
	ctx    context.Context
	state  atomic.Int32

	sessionsMu sync.RWMutex
	sessions   map[string]*ServerSession

	channelsMu sync.RWMutex
	channels   map[string]*ServerChannel
	ids        *channelIDCache

	extMu      sync.RWMutex
	extensions []Extension

	listenersMu      sync.RWMutex
	publishListeners []PublishListener

	messageID atomic.Int64
	handled   atomic.Int64
	delivered atomic.Int64
}

// NewBus 创建总线
func NewBus(opts ...Option) *Bus {
	options := DefaultOptions()
	for _, o := range opts {
		o(options)
	}
	if options.Logger == nil {
		options.Logger = logging.ComponentLogger("server.bus")
	}

	b := &Bus{
		opts:     options,
		logger:   options.Logger.WithFields(logging.String("bus", options.Name)),
		ctx:      context.Background(),
		sessions: make(map[string]*ServerSession),
		channels: make(map[string]*ServerChannel),
		ids:      newChannelIDCache(options.ChannelIDCacheSize),
	}
	for _, ext := range options.Extensions {
		b.AddExtension(ext)
	}
	return b
}

// Name 总线名称
func (b *Bus) Name() string {
	return b.opts.Name
}

// State 当前状态
func (b *Bus) State() State {
	return State(b.state.Load())
}

// Stop 停止总线：断开所有会话，之后 Handle 不再产生回复
func (b *Bus) Stop() {
	if !b.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		return
	}
	for _, s := range b.Sessions() {
		s.Disconnect()
	}
	b.logger.Info(b.ctx, "bus stopped")
}

// NewMessage 创建空消息
func (b *Bus) NewMessage() *bayeux.Message {
	return bayeux.NewMessage()
}

// NewChannelID 解析通道名
func (b *Bus) NewChannelID(path string) (bayeux.ChannelID, error) {
	return b.ids.parse(path)
}

// NewLocalPeer 为本地会话创建一个候选对端会话
//
// 每次握手尝试创建一个新的候选；只有握手成功后它才会登记到总线。
func (b *Bus) NewLocalPeer(local Receiver, idHint string) *ServerSession {
	id := uuid.NewString()
	if idHint != "" {
		id = idHint + "_" + id
	}
	return newServerSession(b, local, id)
}

// Session 按 id 查找已登记的会话
func (b *Bus) Session(id string) *ServerSession {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return b.sessions[id]
}

// Sessions 已登记会话快照
func (b *Bus) Sessions() []*ServerSession {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	result := make([]*ServerSession, 0, len(b.sessions))
	for _, s := range b.sessions {
		result = append(result, s)
	}
	return result
}

// Channel 按名称查找通道，不存在时返回 nil
func (b *Bus) Channel(path string) *ServerChannel {
	b.channelsMu.RLock()
	defer b.channelsMu.RUnlock()
	return b.channels[path]
}

// OnPublish 注册广播发布监听
func (b *Bus) OnPublish(listener PublishListener) {
	if listener == nil {
		return
	}
	b.listenersMu.Lock()
	b.publishListeners = append(b.publishListeners, listener)
	b.listenersMu.Unlock()
}

// Stats 统计信息
func (b *Bus) Stats() BusStats {
	b.sessionsMu.RLock()
	sessions := len(b.sessions)
	b.sessionsMu.RUnlock()
	b.channelsMu.RLock()
	channels := len(b.channels)
	b.channelsMu.RUnlock()
	return BusStats{
		State:     b.State().String(),
		Sessions:  sessions,
		Channels:  channels,
		Handled:   b.handled.Load(),
		Delivered: b.delivered.Load(),

		ChannelIDs: b.ids.snapshot(),
	}
}

// Handle 处理来自 from 的消息并返回回复
//
// 回复同时关联到 message.Associated()。总线已停止时返回 nil。
func (b *Bus) Handle(from *ServerSession, message *bayeux.Message) *bayeux.Message {
	if b.State() != StateRunning {
		return nil
	}
	b.handled.Add(1)

	reply := newReply(message)
	switch channel := message.Channel(); channel {
	case bayeux.MetaHandshake:
		b.handleHandshake(from, message, reply)
	case bayeux.MetaConnect:
		b.handleConnect(from, message, reply)
	case bayeux.MetaSubscribe:
		b.handleSubscribe(from, message, reply)
	case bayeux.MetaUnsubscribe:
		b.handleUnsubscribe(from, message, reply)
	case bayeux.MetaDisconnect:
		b.handleDisconnect(from, message, reply)
	default:
		if bayeux.IsMetaChannel(channel) {
			fail(reply, ErrUnknownMeta)
		} else {
			b.handlePublish(from, message, reply)
		}
	}

	message.SetAssociated(reply)
	return reply
}

// Publish 由服务端发布消息（不属于任何会话），同步投递给订阅者
func (b *Bus) Publish(channel string, data any) error {
	id, err := b.NewChannelID(channel)
	if err != nil {
		return err
	}
	message := bayeux.NewMessage()
	message.SetChannel(id.String())
	message.SetData(data)
	message.SetID("s" + strconv.FormatInt(b.messageID.Add(1), 10))
	b.broadcast(nil, id, message)
	return nil
}

func newReply(message *bayeux.Message) *bayeux.Message {
	reply := bayeux.NewMessage()
	reply.SetChannel(message.Channel())
	reply.SetID(message.ID())
	reply.SetClientID(message.ClientID())
	return reply
}

func fail(reply *bayeux.Message, reason string) {
	reply.SetSuccessful(false)
	reply.SetErrorMessage(reason)
}

// knownSession 校验 from 是否为已登记且与消息 clientId 一致的会话
func (b *Bus) knownSession(from *ServerSession, message *bayeux.Message) bool {
	if from == nil {
		return false
	}
	if message.ClientID() != "" && message.ClientID() != from.ID() {
		return false
	}
	return b.Session(from.ID()) == from
}

func (b *Bus) handleHandshake(from *ServerSession, message *bayeux.Message, reply *bayeux.Message) {
	if from == nil {
		fail(reply, ErrMissingClientID)
		return
	}

	b.sessionsMu.Lock()
	b.sessions[from.ID()] = from
	b.sessionsMu.Unlock()
	from.handshook.Store(true)

	reply.SetClientID(from.ID())
	reply.Put(bayeux.VersionField, "1.0")
	reply.Advice(true)[bayeux.ReconnectAdvice] = b.opts.ReconnectAdvice
	reply.SetSuccessful(true)
	b.logger.Debug(b.ctx, "session handshaken", logging.String("session", from.ID()))
}

func (b *Bus) handleConnect(from *ServerSession, message *bayeux.Message, reply *bayeux.Message) {
	if !b.knownSession(from, message) {
		fail(reply, ErrUnknownClient)
		return
	}
	from.connected.Store(true)

	advice := reply.Advice(true)
	advice[bayeux.ReconnectAdvice] = b.opts.ReconnectAdvice
	if requested := message.Advice(false); requested != nil {
		if interval, ok := requested[bayeux.IntervalAdvice]; ok {
			advice[bayeux.IntervalAdvice] = interval
		}
	}
	reply.SetSuccessful(true)
}

func (b *Bus) handleSubscribe(from *ServerSession, message *bayeux.Message, reply *bayeux.Message) {
	if !b.knownSession(from, message) {
		fail(reply, ErrUnknownClient)
		return
	}
	subscription := message.Subscription()
	reply.SetSubscription(subscription)
	if subscription == "" {
		fail(reply, ErrSubscriptionEmpty)
		return
	}
	id, err := b.NewChannelID(subscription)
	if err != nil {
		fail(reply, ErrInvalidChannel)
		return
	}
	if id.IsMeta() {
		fail(reply, ErrForbiddenChannel)
		return
	}

	b.createChannel(id).subscribe(from)
	reply.SetSuccessful(true)
}

func (b *Bus) handleUnsubscribe(from *ServerSession, message *bayeux.Message, reply *bayeux.Message) {
	if !b.knownSession(from, message) {
		fail(reply, ErrUnknownClient)
		return
	}
	subscription := message.Subscription()
	reply.SetSubscription(subscription)
	if ch := b.Channel(subscription); ch != nil {
		ch.unsubscribe(from)
	}
	reply.SetSuccessful(true)
}

func (b *Bus) handleDisconnect(from *ServerSession, message *bayeux.Message, reply *bayeux.Message) {
	if !b.knownSession(from, message) {
		fail(reply, ErrUnknownClient)
		return
	}
	b.RemoveSession(from)
	reply.SetSuccessful(true)
	b.logger.Debug(b.ctx, "session disconnected", logging.String("session", from.ID()))
}

func (b *Bus) handlePublish(from *ServerSession, message *bayeux.Message, reply *bayeux.Message) {
	if !b.knownSession(from, message) {
		fail(reply, ErrUnknownClient)
		return
	}
	id, err := b.NewChannelID(message.Channel())
	if err != nil {
		fail(reply, ErrInvalidChannel)
		return
	}
	if id.IsWild() {
		fail(reply, ErrWildPublish)
		return
	}

	reply.SetSuccessful(true)
	if id.IsService() {
		return
	}
	b.broadcast(from, id, message)
}

// broadcast 投递给精确与通配订阅者（每个会话至多一次），再通知发布监听
func (b *Bus) broadcast(from *ServerSession, id bayeux.ChannelID, message *bayeux.Message) {
	targets := make(map[string]*ServerSession)
	names := append([]string{id.String()}, id.Wilds()...)
	for _, name := range names {
		ch := b.Channel(name)
		if ch == nil {
			continue
		}
		for _, s := range ch.Subscribers() {
			targets[s.ID()] = s
		}
	}

	for _, s := range targets {
		delivery := message.Copy()
		s.Deliver(from, delivery)
		b.delivered.Add(1)
	}

	b.listenersMu.RLock()
	listeners := b.publishListeners
	b.listenersMu.RUnlock()
	for _, l := range listeners {
		l(from, message.Copy())
	}
}

func (b *Bus) createChannel(id bayeux.ChannelID) *ServerChannel {
	b.channelsMu.Lock()
	defer b.channelsMu.Unlock()
	ch, ok := b.channels[id.String()]
	if !ok {
		ch = newServerChannel(id)
		b.channels[id.String()] = ch
	}
	return ch
}

// RemoveSession 静默注销会话并清理其订阅（不推送 /meta/disconnect），会话未登记时返回 false
func (b *Bus) RemoveSession(s *ServerSession) bool {
	b.sessionsMu.Lock()
	if b.sessions[s.ID()] != s {
		b.sessionsMu.Unlock()
		return false
	}
	delete(b.sessions, s.ID())
	b.sessionsMu.Unlock()

	for _, name := range s.clearSubscriptions() {
		if ch := b.Channel(name); ch != nil {
			ch.unsubscribe(s)
		}
	}
	s.connected.Store(false)
	s.handshook.Store(false)
	return true
}
