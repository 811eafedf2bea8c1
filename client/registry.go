package client

import (
	"sync"

	"gocomet/bayeux"
)

// Registry 回调与订阅者登记表
//
// 两个映射互相独立：callbacks 以消息 id 为键，subscribers 以订阅请求的
// 消息 id 为键。每个条目最多被取出一次。
type Registry struct {
	mu          sync.Mutex
	callbacks   map[string]bayeux.MessageListener
	subscribers map[string]bayeux.MessageListener
}

// NewRegistry 创建登记表
func NewRegistry() *Registry {
	return &Registry{
		callbacks:   make(map[string]bayeux.MessageListener),
		subscribers: make(map[string]bayeux.MessageListener),
	}
}

// RegisterCallback 登记回调，listener 为 nil 或 id 为空时忽略
func (r *Registry) RegisterCallback(id string, listener bayeux.MessageListener) {
	if id == "" || listener == nil {
		return
	}
	r.mu.Lock()
	r.callbacks[id] = listener
	r.mu.Unlock()
}

// UnregisterCallback 取出并删除回调，不存在时返回 nil
func (r *Registry) UnregisterCallback(id string) bayeux.MessageListener {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	listener, ok := r.callbacks[id]
	if !ok {
		return nil
	}
	delete(r.callbacks, id)
	return listener
}

// RegisterSubscriber 登记订阅者，listener 为 nil 或 id 为空时忽略
func (r *Registry) RegisterSubscriber(id string, listener bayeux.MessageListener) {
	if id == "" || listener == nil {
		return
	}
	r.mu.Lock()
	r.subscribers[id] = listener
	r.mu.Unlock()
}

// UnregisterSubscriber 取出并删除订阅者，不存在时返回 nil
func (r *Registry) UnregisterSubscriber(id string) bayeux.MessageListener {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	listener, ok := r.subscribers[id]
	if !ok {
		return nil
	}
	delete(r.subscribers, id)
	return listener
}

// Pending 返回尚未取出的回调与订阅者数量
func (r *Registry) Pending() (callbacks, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks), len(r.subscribers)
}
