package server

import (
	"sync"
	"sync/atomic"

	"gocomet/bayeux"
)

// Receiver 接收总线投递的本地会话
type Receiver interface {
	Receive(message *bayeux.Message)
}

// ServerSession 总线内代表一个客户端的对端会话
type ServerSession struct {
	id    string
	bus   *Bus
	local Receiver

	handshook atomic.Bool
	connected atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]struct{}
}

func newServerSession(bus *Bus, local Receiver, id string) *ServerSession {
	return &ServerSession{
		id:            id,
		bus:           bus,
		local:         local,
		subscriptions: make(map[string]struct{}),
	}
}

// ID 会话标识
func (s *ServerSession) ID() string {
	return s.id
}

// IsHandshook 是否已完成握手
func (s *ServerSession) IsHandshook() bool {
	return s.handshook.Load()
}

// IsConnected 是否已连接
func (s *ServerSession) IsConnected() bool {
	return s.connected.Load()
}

// IsLocal 是否为进程内会话
func (s *ServerSession) IsLocal() bool {
	return s.local != nil
}

// Subscriptions 已订阅的通道名
func (s *ServerSession) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		result = append(result, ch)
	}
	return result
}

// Deliver 向本会话投递一条消息
//
// 对本地会话，消息经过 Outgoing 扩展链后在调用方 goroutine 上同步交给 Receiver。
// from 为发送方会话，服务端发起的消息为 nil。
func (s *ServerSession) Deliver(from *ServerSession, message *bayeux.Message) {
	if s.local == nil {
		return
	}
	message = s.bus.ExtendInbound(from, s, message)
	if message == nil {
		return
	}
	s.local.Receive(message)
}

// Disconnect 由服务端发起断开，并向本地会话推送成功的 /meta/disconnect
func (s *ServerSession) Disconnect() bool {
	if !s.bus.RemoveSession(s) {
		return false
	}
	message := bayeux.NewMessage()
	message.SetChannel(bayeux.MetaDisconnect)
	message.SetClientID(s.id)
	message.SetSuccessful(true)
	s.Deliver(nil, message)
	return true
}

// String 会话标识
func (s *ServerSession) String() string {
	return s.id
}

func (s *ServerSession) addSubscription(channel string) {
	s.mu.Lock()
	s.subscriptions[channel] = struct{}{}
	s.mu.Unlock()
}

func (s *ServerSession) removeSubscription(channel string) {
	s.mu.Lock()
	delete(s.subscriptions, channel)
	s.mu.Unlock()
}

func (s *ServerSession) clearSubscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		result = append(result, ch)
	}
	s.subscriptions = make(map[string]struct{})
	return result
}
