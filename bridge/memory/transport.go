// Package memory 提供进程内的桥接传输
//
// 连接到同一个 Hub 的传输互相可见，适用于单进程多总线、开发环境与测试。
// Workers 为 0 时在发布方 goroutine 上同步投递；否则放入队列由 Worker 池异步处理。
package memory

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"

	"gocomet/bridge"
	"gocomet/errors"
	"gocomet/logging"
)

// Config 内存传输配置
type Config struct {
	// QueueSize 异步模式的队列大小（<=0 时使用默认 1000）
	QueueSize int
	// Workers Worker 数量，0 表示同步投递
	Workers int
	Logger  logging.Logger
}

// Transport 内存桥接传输
type Transport struct {
	hub        *Hub
	serializer bridge.ISerializer
	logger     logging.Logger

	subs        bridge.Subscriptions
	queue       chan []byte
	queueSize   int
	workerCount int
	running     bool
	mutex       sync.RWMutex
	wg          sync.WaitGroup
}

// NewTransport 创建连接到 hub 的传输
func (h *Hub) NewTransport(cfg Config) *Transport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers < 0 {
		cfg.Workers = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("bridge.memory")
	}
	t := &Transport{
		hub:         h,
		serializer:  bridge.NewJSONSerializer(),
		logger:      cfg.Logger,
		queueSize:   cfg.QueueSize,
		workerCount: cfg.Workers,
	}
	h.attach(t)
	return t
}

// Publish 序列化后广播给 Hub 上所有运行中的传输
func (t *Transport) Publish(ctx context.Context, envelope *bridge.Envelope) error {
	t.mutex.RLock()
	running := t.running
	t.mutex.RUnlock()
	if !running {
		return bridge.ErrNotRunning
	}

	data, err := t.serializer.Serialize(envelope)
	if err != nil {
		return err
	}
	return t.hub.broadcast(ctx, data)
}

// Subscribe 订阅通道模式
func (t *Transport) Subscribe(pattern string, handler bridge.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.subs.Add(pattern, handler)
}

// Stats 获取统计信息
func (t *Transport) Stats() bridge.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return bridge.TransportStats{
		Running:      t.running,
		HandlerCount: len(t.subs),
		Patterns:     t.subs.Patterns(),
	}
}

// receive Hub 投递入口
func (t *Transport) receive(ctx context.Context, data []byte) error {
	t.mutex.RLock()
	if !t.running {
		t.mutex.RUnlock()
		return nil
	}
	if t.workerCount == 0 {
		t.mutex.RUnlock()
		return t.dispatch(ctx, data)
	}
	defer t.mutex.RUnlock()

	select {
	case t.queue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.NewError(errors.ErrCodeQueue, "message queue is full")
	}
}

// Hub 连接多个内存传输
type Hub struct {
	mu         sync.RWMutex
	transports []*Transport
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) attach(t *Transport) {
	h.mu.Lock()
	h.transports = append(h.transports, t)
	h.mu.Unlock()
}

// broadcast 投递给所有传输（包括发布方自身，由桥接按来源过滤）
func (h *Hub) broadcast(ctx context.Context, data []byte) error {
	h.mu.RLock()
	transports := append([]*Transport(nil), h.transports...)
	h.mu.RUnlock()

	var errs []error
	for _, t := range transports {
		if err := t.receive(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("delivery completed with %d errors: %w", len(errs), stdErrors.Join(errs...))
	}
	return nil
}

var _ bridge.Transport = (*Transport)(nil)
