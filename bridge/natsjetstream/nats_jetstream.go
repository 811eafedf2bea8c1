package natsjetstream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"gocomet/bayeux"
	"gocomet/bridge"
	"gocomet/logging"
)

// Config configures the JetStream bridge transport.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	// NodeID 区分各节点的 durable consumer，每个节点都收到全部消息
	NodeID        string
	AckWait       time.Duration
	MaxAckPending int
	Logger        logging.Logger
	Conn          *nats.Conn

	// 可选：流参数
	Retention         string // interest|limits（默认 interest）
	MaxBytes          int64  // 0 表示不设置
	Replicas          int    // 0 表示默认
	MaxMsgsPerSubject int64  // 每主题最大消息数，默认 -1
}

// Transport implements bridge.Transport on top of NATS JetStream.
//
// Bayeux 通道映射为主题：/chat/room -> <prefix>chat.room，
// 通配 * 与 ** 分别映射为 NATS 的 * 与 >。
type Transport struct {
	cfg        Config
	logger     logging.Logger
	serializer bridge.ISerializer
	conn       *nats.Conn
	js         nats.JetStreamContext
	ownsConn   bool

	handlers bridge.Subscriptions
	subs     map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool
}

// NewTransport builds a JetStream transport.
func NewTransport(cfg Config) *Transport {
	if cfg.Stream == "" {
		cfg.Stream = "GOCOMET"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "bayeux."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "gocomet-"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "bridge.nats"))
	}
	return &Transport{
		cfg:        cfg,
		logger:     cfg.Logger,
		serializer: bridge.NewJSONSerializer(),
		subs:       make(map[string]*nats.Subscription),
	}
}

func (t *Transport) Publish(ctx context.Context, envelope *bridge.Envelope) error {
	t.mu.RLock()
	js := t.js
	running := t.running
	t.mu.RUnlock()
	if !running || js == nil {
		return bridge.ErrNotRunning
	}
	data, err := t.serializer.Serialize(envelope)
	if err != nil {
		return err
	}
	subject, err := t.subjectName(envelope.Channel)
	if err != nil {
		return err
	}
	_, err = js.Publish(subject, data, nats.Context(ctx))
	return err
}

func (t *Transport) Subscribe(pattern string, handler bridge.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.handlers.Add(pattern, handler); err != nil {
		return err
	}
	if t.running {
		if err := t.subscribeLocked(pattern); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return bridge.ErrAlreadyRunning
	}
	if err := t.ensureConnection(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return err
	}
	for _, pattern := range t.handlers.Patterns() {
		if err := t.subscribeLocked(pattern); err != nil {
			return err
		}
	}
	t.running = true
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		if t.ownsConn && t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		return nil
	}
	t.running = false
	for pattern, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, pattern)
	}
	if t.ownsConn && t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.js = nil
	return nil
}

func (t *Transport) Stats() bridge.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return bridge.TransportStats{
		Running:      t.running,
		HandlerCount: len(t.handlers),
		Patterns:     t.handlers.Patterns(),
	}
}

func (t *Transport) ensureConnection() error {
	if t.conn != nil && t.js != nil {
		return nil
	}
	if t.cfg.Conn != nil {
		t.conn = t.cfg.Conn
	} else {
		if t.cfg.URL == "" {
			t.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(t.cfg.URL)
		if err != nil {
			return err
		}
		t.conn = conn
		t.ownsConn = true
	}
	js, err := t.conn.JetStream()
	if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *Transport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	_, err = t.js.AddStream(t.streamConfig())
	return err
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	// 多个节点各自消费全部消息，不能使用 workqueue
	retention := nats.InterestPolicy
	if strings.ToLower(t.cfg.Retention) == "limits" {
		retention = nats.LimitsPolicy
	}
	sc := &nats.StreamConfig{
		Name:              t.cfg.Stream,
		Subjects:          []string{t.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	}
	if t.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = t.cfg.MaxMsgsPerSubject
	}
	if t.cfg.MaxBytes > 0 {
		sc.MaxBytes = t.cfg.MaxBytes
	}
	if t.cfg.Replicas > 0 {
		sc.Replicas = t.cfg.Replicas
	}
	return sc
}

func (t *Transport) subscribeLocked(pattern string) error {
	if _, exists := t.subs[pattern]; exists {
		return nil
	}
	subject, err := t.subjectName(pattern)
	if err != nil {
		return err
	}
	durable := t.durableName(pattern)
	sub, err := t.js.Subscribe(subject, t.handleMessage(pattern),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.DeliverNew(),
		nats.AckWait(t.cfg.AckWait),
		nats.MaxAckPending(t.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	t.subs[pattern] = sub
	return nil
}

func (t *Transport) handleMessage(pattern string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		envelope, err := t.serializer.Deserialize(msg.Data)
		if err != nil {
			t.logger.Warn(context.Background(), "decode nats message failed",
				logging.String("subject", msg.Subject), logging.Error(err))
			_ = msg.Ack()
			return
		}
		t.dispatch(context.Background(), pattern, envelope)
		if err := msg.Ack(); err != nil {
			t.logger.Warn(context.Background(), "nats ack failed", logging.Error(err))
		}
	}
}

// dispatch 只分发给登记了该模式的处理器，避免重叠模式重复投递
func (t *Transport) dispatch(ctx context.Context, pattern string, envelope *bridge.Envelope) {
	t.mu.RLock()
	var handlers []bridge.Handler
	for _, sub := range t.handlers {
		if sub.Pattern.String() == pattern {
			handlers = append(handlers, sub.Handler)
		}
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, []*bridge.Envelope{envelope}); err != nil {
			t.logger.Warn(ctx, "bridge handler failed",
				logging.Channel(envelope.Channel), logging.Error(err))
		}
	}
}

// subjectName 把通道名（可含通配）映射为 NATS 主题
func (t *Transport) subjectName(channel string) (string, error) {
	id, err := bayeux.ParseChannelID(channel)
	if err != nil {
		return "", err
	}
	tokens := make([]string, id.Depth())
	for i := range tokens {
		switch seg := id.Segment(i); seg {
		case "*":
			tokens[i] = "*"
		case "**":
			tokens[i] = ">"
		default:
			tokens[i] = escapeToken(seg)
		}
	}
	return t.cfg.SubjectPrefix + strings.Join(tokens, "."), nil
}

func (t *Transport) durableName(pattern string) string {
	return escapeToken(t.cfg.DurablePrefix + t.cfg.NodeID + "-" + pattern)
}

// escapeToken 替换 NATS 主题与 durable 名中的保留字符
func escapeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/':
			return '_'
		}
		return r
	}, s)
}

var _ bridge.Transport = (*Transport)(nil)
