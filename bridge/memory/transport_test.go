package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gocomet/bridge"
	"gocomet/errors"
	"gocomet/logging"
)

type collector struct {
	mu        sync.Mutex
	envelopes []*bridge.Envelope
}

func (c *collector) handle(ctx context.Context, envelopes []*bridge.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, envelopes...)
	return nil
}

func (c *collector) all() []*bridge.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bridge.Envelope(nil), c.envelopes...)
}

func envelope(channel string, data any) *bridge.Envelope {
	return &bridge.Envelope{
		Channel: channel,
		Origin:  "node-a",
		Fields:  map[string]any{"channel": channel, "data": data},
	}
}

func newTransport(h *Hub, workers int) *Transport {
	return h.NewTransport(Config{Workers: workers, QueueSize: 16, Logger: logging.NewNoopLogger()})
}

func TestTransport_SyncDelivery(t *testing.T) {
	hub := NewHub()
	a, b := newTransport(hub, 0), newTransport(hub, 0)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Close()
	defer b.Close()

	chat, news := &collector{}, &collector{}
	require.NoError(t, b.Subscribe("/chat/**", chat.handle))
	require.NoError(t, b.Subscribe("/news", news.handle))

	require.NoError(t, a.Publish(ctx, envelope("/chat/room/1", map[string]any{"n": 1})))

	got := chat.all()
	require.Len(t, got, 1, "delivered before Publish returns")
	require.Equal(t, "/chat/room/1", got[0].Channel)
	require.Equal(t, "node-a", got[0].Origin)
	require.Equal(t, map[string]any{"n": float64(1)}, got[0].Data())
	require.Empty(t, news.all())

	stats := b.Stats()
	require.True(t, stats.Running)
	require.Equal(t, 2, stats.HandlerCount)
	require.ElementsMatch(t, []string{"/chat/**", "/news"}, stats.Patterns)
}

func TestTransport_NotRunning(t *testing.T) {
	hub := NewHub()
	a := newTransport(hub, 0)
	require.ErrorIs(t, a.Publish(context.Background(), envelope("/x", 1)), bridge.ErrNotRunning)

	require.NoError(t, a.Start(context.Background()))
	require.ErrorIs(t, a.Start(context.Background()), bridge.ErrAlreadyRunning)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestTransport_InvalidInput(t *testing.T) {
	hub := NewHub()
	a := newTransport(hub, 0)
	require.NoError(t, a.Start(context.Background()))
	defer a.Close()

	require.Error(t, a.Subscribe("chat", (&collector{}).handle))
	require.Error(t, a.Subscribe("/chat", nil))
	require.ErrorIs(t, a.Publish(context.Background(), &bridge.Envelope{}), bridge.ErrInvalidMessage)
}

func TestTransport_HandlerErrorReachesPublisher(t *testing.T) {
	hub := NewHub()
	a, b := newTransport(hub, 0), newTransport(hub, 0)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, b.Subscribe("/**", func(context.Context, []*bridge.Envelope) error {
		return bridge.ErrInvalidMessage
	}))
	err := a.Publish(ctx, envelope("/x", 1))
	require.ErrorIs(t, err, bridge.ErrInvalidMessage)
}

func TestTransport_AsyncWorkers(t *testing.T) {
	hub := NewHub()
	a, b := newTransport(hub, 0), newTransport(hub, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	var count atomic.Int32
	require.NoError(t, b.Subscribe("/load", func(_ context.Context, envs []*bridge.Envelope) error {
		count.Add(int32(len(envs)))
		return nil
	}))

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Publish(ctx, envelope("/load", i)))
	}
	require.Eventually(t, func() bool { return count.Load() == 10 }, time.Second, 5*time.Millisecond)

	// 关闭后可以重新启动
	require.NoError(t, b.Close())
	require.NoError(t, b.Start(ctx))
	require.NoError(t, a.Publish(ctx, envelope("/load", 11)))
	require.NoError(t, b.Close())
	require.Equal(t, int32(11), count.Load(), "close drains the queue")
}

func TestTransport_QueueFull(t *testing.T) {
	hub := NewHub()
	a := newTransport(hub, 0)
	b := hub.NewTransport(Config{Workers: 1, QueueSize: 1, Logger: logging.NewNoopLogger()})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, b.Subscribe("/slow", func(context.Context, []*bridge.Envelope) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	require.NoError(t, a.Publish(ctx, envelope("/slow", 1)))
	<-started
	require.NoError(t, a.Publish(ctx, envelope("/slow", 2)))

	err := a.Publish(ctx, envelope("/slow", 3))
	require.Error(t, err)
	require.True(t, errors.IsErrorCode(err, errors.ErrCodeQueue))

	close(release)
	require.NoError(t, b.Close())
}
