package redisstreams

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gocomet/bridge"
	"gocomet/logging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config describes how the Redis Streams transport should connect/behave.
type Config struct {
	Client   redis.UniversalClient
	Addr     string
	Username string
	Password string
	DB       int

	// Stream 所有节点共用的流
	Stream string
	// GroupPrefix 与 NodeID 组成本节点的消费组，每个节点各自收到全部消息
	GroupPrefix  string
	NodeID       string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	// MaxLen 流的近似最大长度，0 表示不裁剪
	MaxLen int64
	Logger logging.Logger

	// 并发与背压配置
	MaxPublishConcurrency int           // 限制同时进行的 XADD 数，0 表示不限制
	MinReadBackoff        time.Duration // 读取错误最小退避，默认 100ms
	MaxReadBackoff        time.Duration // 读取错误最大退避，默认 5s
}

// Transport is a bridge.Transport backed by a Redis Stream.
type Transport struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	handlers bridge.Subscriptions

	mu      sync.RWMutex
	running bool
	reading bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// 并发控制
	pubSem chan struct{}
}

// NewTransport constructs a Redis Streams transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Stream == "" {
		cfg.Stream = "gocomet:bridge"
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "gocomet-"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis client not configured")
		}
		options := &redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
		cl = redis.NewClient(options)
		own = true
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "bridge.redisstreams"))
	}

	t := &Transport{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
	}
	if t.cfg.MinReadBackoff <= 0 {
		t.cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if t.cfg.MaxReadBackoff <= 0 {
		t.cfg.MaxReadBackoff = 5 * time.Second
	}
	if t.cfg.MaxPublishConcurrency > 0 {
		t.pubSem = make(chan struct{}, t.cfg.MaxPublishConcurrency)
	}
	return t, nil
}

// Publish appends one envelope to the stream.
func (t *Transport) Publish(ctx context.Context, envelope *bridge.Envelope) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return bridge.ErrNotRunning
	}

	if t.pubSem != nil {
		select {
		case t.pubSem <- struct{}{}:
			defer func() { <-t.pubSem }()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	values, err := encodeEnvelope(envelope)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: t.cfg.Stream, Values: values}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Err()
}

// Subscribe registers a handler for a channel pattern.
func (t *Transport) Subscribe(pattern string, handler bridge.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.handlers.Add(pattern, handler); err != nil {
		return err
	}
	if t.running {
		t.startReaderLocked()
	}
	return nil
}

// Start begins the background consumer.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return bridge.ErrAlreadyRunning
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.running = true
	if len(t.handlers) > 0 {
		t.startReaderLocked()
	}
	return nil
}

// Close stops the consumer and optionally closes the redis client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.reading = false
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

// Stats returns basic handler information.
func (t *Transport) Stats() bridge.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return bridge.TransportStats{
		Running:      t.running,
		HandlerCount: len(t.handlers),
		Patterns:     t.handlers.Patterns(),
	}
}

func (t *Transport) groupName() string {
	return t.cfg.GroupPrefix + t.cfg.NodeID
}

func (t *Transport) startReaderLocked() {
	if t.reading {
		return
	}
	t.reading = true
	t.wg.Add(1)
	go t.readLoop(t.ctx)
}

func (t *Transport) readLoop(ctx context.Context) {
	defer t.wg.Done()
	stream := t.cfg.Stream
	group := t.groupName()
	if err := t.ensureGroup(ctx, stream, group); err != nil {
		t.logger.Warn(ctx, "ensure group failed", logging.String("stream", stream), logging.Error(err))
	}
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    t.cfg.ReadCount,
		Block:    t.cfg.BlockTimeout,
	}
	backoff := t.cfg.MinReadBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn(ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > t.cfg.MaxReadBackoff {
				backoff = t.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = t.cfg.MinReadBackoff
		for _, streamRes := range res {
			t.handleEntries(ctx, streamRes.Stream, group, streamRes.Messages)
		}
	}
}

// handleEntries 解码一批条目，按处理器分组后一次性分发，然后确认
func (t *Transport) handleEntries(ctx context.Context, stream, group string, entries []redis.XMessage) {
	ids := make([]string, 0, len(entries))
	envelopes := make([]*bridge.Envelope, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
		envelope, err := decodeEnvelope(entry)
		if err != nil {
			t.logger.Warn(ctx, "decode redis stream entry failed",
				logging.String("entry", entry.ID), logging.Error(err))
			continue
		}
		envelopes = append(envelopes, envelope)
	}

	t.dispatch(ctx, envelopes)

	if len(ids) > 0 {
		if err := t.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
			t.logger.Warn(ctx, "xack failed", logging.Error(err))
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, envelopes []*bridge.Envelope) {
	t.mu.RLock()
	subs := append(bridge.Subscriptions(nil), t.handlers...)
	t.mu.RUnlock()

	for _, sub := range subs {
		var batch []*bridge.Envelope
		for _, envelope := range envelopes {
			if sub.Matches(envelope.Channel) {
				batch = append(batch, envelope)
			}
		}
		if len(batch) == 0 {
			continue
		}
		if err := sub.Handler(ctx, batch); err != nil {
			t.logger.Warn(ctx, "bridge handler failed",
				logging.String("pattern", sub.Pattern.String()), logging.Error(err))
		}
	}
}

func (t *Transport) ensureGroup(ctx context.Context, stream, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func encodeEnvelope(envelope *bridge.Envelope) (map[string]interface{}, error) {
	if envelope == nil || envelope.Channel == "" {
		return nil, bridge.ErrInvalidMessage
	}
	fields, err := bridge.NewJSONSerializer().Serialize(envelope)
	if err != nil {
		return nil, err
	}
	ts := envelope.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	return map[string]interface{}{
		"channel":   envelope.Channel,
		"origin":    envelope.Origin,
		"timestamp": ts,
		"envelope":  string(fields),
	}, nil
}

func decodeEnvelope(entry redis.XMessage) (*bridge.Envelope, error) {
	raw, _ := entry.Values["envelope"].(string)
	envelope, err := bridge.NewJSONSerializer().Deserialize([]byte(raw))
	if err != nil {
		return nil, err
	}

	switch v := entry.Values["timestamp"].(type) {
	case int64:
		envelope.Timestamp = v
	case string:
		if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
			envelope.Timestamp = ns
		}
	}
	if envelope.Timestamp == 0 {
		envelope.Timestamp = time.Now().UnixNano()
	}
	return envelope, nil
}

var _ bridge.Transport = (*Transport)(nil)
