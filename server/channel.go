package server

import (
	"sync"

	"gocomet/bayeux"
)

// ServerChannel 总线上的通道及其订阅者
type ServerChannel struct {
	id bayeux.ChannelID

	mu          sync.RWMutex
	subscribers map[string]*ServerSession
}

func newServerChannel(id bayeux.ChannelID) *ServerChannel {
	return &ServerChannel{
		id:          id,
		subscribers: make(map[string]*ServerSession),
	}
}

// ID 通道标识
func (c *ServerChannel) ID() bayeux.ChannelID {
	return c.id
}

// Subscribers 订阅者快照
func (c *ServerChannel) Subscribers() []*ServerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*ServerSession, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		result = append(result, s)
	}
	return result
}

// IsSubscribed 会话是否订阅了本通道
func (c *ServerChannel) IsSubscribed(session *ServerSession) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribers[session.ID()]
	return ok
}

func (c *ServerChannel) subscribe(session *ServerSession) {
	c.mu.Lock()
	c.subscribers[session.ID()] = session
	c.mu.Unlock()
	session.addSubscription(c.id.String())
}

func (c *ServerChannel) unsubscribe(session *ServerSession) {
	c.mu.Lock()
	delete(c.subscribers, session.ID())
	c.mu.Unlock()
	session.removeSubscription(c.id.String())
}
