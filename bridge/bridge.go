// Package bridge 把本地总线上的发布镜像到外部消息系统，并把其他节点的发布注入本地总线
//
// 桥接使用一个 local.LocalSession 作为注入身份：远端消息通过该会话发布，
// 本地订阅者看到的就是一条普通的发布消息。由该会话发布的消息不会再次转发，
// 远端消息按 Origin 过滤掉本节点发出的回声。
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gocomet/bayeux"
	"gocomet/errors"
	"gocomet/local"
	"gocomet/logging"
	"gocomet/server"
)

// Config 桥接配置
type Config struct {
	// NodeID 本节点标识，默认随机生成
	NodeID string
	// Channels 需要镜像的通道模式，默认 /**
	Channels []string
	// SessionHint 注入会话的 id 前缀
	SessionHint string
	Logger      logging.Logger
}

// Stats 桥接统计信息
type Stats struct {
	Running   bool           `json:"running"`
	Forwarded int64          `json:"forwarded"`
	Injected  int64          `json:"injected"`
	Failed    int64          `json:"failed"`
	Transport TransportStats `json:"transport"`
}

// runContext 一次运行周期的上下文，Close 时取消
type runContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Bridge 总线桥接
type Bridge struct {
	cfg       Config
	bus       *server.Bus
	transport Transport
	session   *local.LocalSession
	patterns  []bayeux.ChannelID
	logger    logging.Logger

	// lifecycle 串行化 Start 与 Close
	lifecycle  sync.Mutex
	run        atomic.Pointer[runContext]
	running    atomic.Bool
	subscribed bool
	hook       sync.Once

	forwarded atomic.Int64
	injected  atomic.Int64
	failed    atomic.Int64
}

// New 创建桥接
func New(bus *server.Bus, transport Transport, cfg Config) (*Bridge, error) {
	if bus == nil || transport == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidInput, "bus and transport are required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"/**"}
	}
	if cfg.SessionHint == "" {
		cfg.SessionHint = "bridge"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("bridge")
	}

	patterns := make([]bayeux.ChannelID, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		id, err := bayeux.ParseChannelID(ch)
		if err != nil {
			return nil, err
		}
		if id.IsMeta() || id.IsService() {
			return nil, errors.NewErrorf(errors.ErrCodeInvalidChannel, "channel %s cannot be bridged", ch)
		}
		patterns = append(patterns, id)
	}

	logger := cfg.Logger.WithFields(logging.String("node", cfg.NodeID))
	return &Bridge{
		cfg:       cfg,
		bus:       bus,
		transport: transport,
		session:   local.NewSession(bus, cfg.SessionHint, local.WithLogger(logger)),
		patterns:  patterns,
		logger:    logger,
	}, nil
}

// NodeID 本节点标识
func (b *Bridge) NodeID() string {
	return b.cfg.NodeID
}

// Session 注入远端消息使用的本地会话
func (b *Bridge) Session() *local.LocalSession {
	return b.session
}

// Start 握手注入会话、订阅传输并开始转发
//
// Close 之后可以再次 Start，传输订阅只在第一次启动时建立。
func (b *Bridge) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.running.Load() {
		return ErrAlreadyRunning
	}

	if err := b.session.Handshake(nil, nil); err != nil {
		return err
	}
	if !b.session.IsConnected() {
		return errors.WrapBridgeError(ctx, ErrHandshakeFailed, "start")
	}

	if !b.subscribed {
		for _, pattern := range b.patterns {
			if err := b.transport.Subscribe(pattern.String(), b.inject); err != nil {
				b.session.Disconnect(nil)
				return errors.WrapBridgeError(ctx, err, "subscribe")
			}
		}
		b.subscribed = true
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := b.transport.Start(runCtx); err != nil {
		cancel()
		b.session.Disconnect(nil)
		return errors.WrapBridgeError(ctx, err, "start transport")
	}

	b.run.Store(&runContext{ctx: runCtx, cancel: cancel})
	b.hook.Do(func() { b.bus.OnPublish(b.forward) })
	b.running.Store(true)
	b.logger.Info(ctx, "bridge started", logging.Any("channels", b.cfg.Channels))
	return nil
}

// Close 停止转发并断开注入会话
func (b *Bridge) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	if rc := b.run.Swap(nil); rc != nil {
		rc.cancel()
	}
	err := b.transport.Close()
	b.session.Disconnect(nil)
	b.logger.Info(context.Background(), "bridge stopped")
	return err
}

// Stats 统计信息
func (b *Bridge) Stats() Stats {
	return Stats{
		Running:   b.running.Load(),
		Forwarded: b.forwarded.Load(),
		Injected:  b.injected.Load(),
		Failed:    b.failed.Load(),
		Transport: b.transport.Stats(),
	}
}

func (b *Bridge) matches(channel string) bool {
	id, err := bayeux.ParseChannelID(channel)
	if err != nil {
		return false
	}
	for _, p := range b.patterns {
		if p.Matches(id) {
			return true
		}
	}
	return false
}

// forward 把本地发布转发到传输，跳过由注入会话发出的消息
func (b *Bridge) forward(from *server.ServerSession, message *bayeux.Message) {
	if !b.running.Load() || !b.matches(message.Channel()) {
		return
	}
	rc := b.run.Load()
	if rc == nil {
		return
	}
	if peer, err := b.session.ServerSession(); err == nil && from == peer {
		return
	}

	if err := b.transport.Publish(rc.ctx, NewEnvelope(b.cfg.NodeID, message)); err != nil {
		b.failed.Add(1)
		err = errors.Normalize(err)
		b.logger.Warn(rc.ctx, "forward failed",
			bayeux.LogChannel(message),
			logging.String("code", string(errors.GetErrorCode(err))),
			logging.Error(err))
		return
	}
	b.forwarded.Add(1)
}

// inject 通过注入会话发布远端消息，多条消息在同一批处理中发出
func (b *Bridge) inject(ctx context.Context, envelopes []*Envelope) error {
	var firstErr error
	b.session.Batch(func() {
		for _, env := range envelopes {
			if env.Origin == b.cfg.NodeID {
				continue
			}
			ch, err := b.session.Channel(env.Channel)
			if err == nil {
				err = ch.Publish(env.Data(), nil)
			}
			if err != nil {
				b.failed.Add(1)
				b.logger.Warn(ctx, "inject failed",
					logging.Channel(env.Channel), logging.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			b.injected.Add(1)
		}
	})
	return firstErr
}
