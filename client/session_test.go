package client

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gocomet/bayeux"
	"gocomet/errors"
	"gocomet/logging"
)

type recordedSend struct {
	kind     string
	channel  string
	listener bayeux.MessageListener
	callback bayeux.MessageListener
}

// fakeHooks 记录批量发送与通道请求的测试钩子
type fakeHooks struct {
	session *Session
	batches int
	sends   []recordedSend
	sendErr error
}

type fakeChannel struct {
	*SessionChannel
	hooks *fakeHooks
}

func (c *fakeChannel) SendSubscribe(listener, callback bayeux.MessageListener) error {
	if c.hooks.sendErr != nil {
		return c.hooks.sendErr
	}
	c.hooks.sends = append(c.hooks.sends, recordedSend{"subscribe", c.ID().String(), listener, callback})
	return nil
}

func (c *fakeChannel) SendUnsubscribe(callback bayeux.MessageListener) error {
	c.hooks.sends = append(c.hooks.sends, recordedSend{"unsubscribe", c.ID().String(), nil, callback})
	return nil
}

func (h *fakeHooks) NewChannelID(path string) (bayeux.ChannelID, error) {
	return bayeux.ParseChannelID(path)
}

func (h *fakeHooks) NewChannel(id bayeux.ChannelID) Channel {
	ch := &fakeChannel{hooks: h}
	ch.SessionChannel = NewSessionChannel(id, ch)
	return ch
}

func (h *fakeHooks) SendBatch() { h.batches++ }

func (h *fakeHooks) NotifyListeners(message *bayeux.Message) {
	h.session.NotifyListeners(message)
}

func newTestSession() (*Session, *fakeHooks) {
	hooks := &fakeHooks{}
	s := NewSession(hooks, logging.NewNoopLogger())
	hooks.session = s
	return s, hooks
}

func mustChannel(t *testing.T, s *Session, path string) *fakeChannel {
	t.Helper()
	ch, err := s.Channel(path)
	require.NoError(t, err)
	return ch.(*fakeChannel)
}

func dataMessage(channel string, data any) *bayeux.Message {
	m := bayeux.NewMessage()
	m.SetChannel(channel)
	m.SetData(data)
	return m
}

func TestSession_NestedBatch(t *testing.T) {
	s, hooks := newTestSession()

	require.False(t, s.IsBatching())
	s.StartBatch()
	s.StartBatch()
	require.True(t, s.IsBatching())

	require.False(t, s.EndBatch())
	require.Equal(t, 0, hooks.batches)
	require.True(t, s.EndBatch())
	require.Equal(t, 1, hooks.batches)
	require.False(t, s.IsBatching())

	// 未配对的 EndBatch 不触发发送，深度恢复为 0
	require.False(t, s.EndBatch())
	require.False(t, s.IsBatching())
	s.Batch(func() { require.True(t, s.IsBatching()) })
	require.Equal(t, 2, hooks.batches)
}

func TestSession_MessageIDsAreUnique(t *testing.T) {
	s, _ := newTestSession()

	const workers, perWorker = 8, 200
	ids := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- s.NewMessageID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{})
	for id := range ids {
		require.NotEmpty(t, id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, workers*perWorker)
}

func TestSession_ChannelIsCachedAndValidated(t *testing.T) {
	s, _ := newTestSession()

	a := mustChannel(t, s, "/foo")
	b := mustChannel(t, s, "/foo")
	require.Same(t, a, b)
	require.Len(t, s.Channels(), 1)

	_, err := s.Channel("foo")
	require.True(t, errors.IsInvalidChannel(err))
}

func TestSession_SubscribeAttachesOnSuccessfulReply(t *testing.T) {
	s, hooks := newTestSession()
	ch := mustChannel(t, s, "/chat")

	var got []any
	listener := bayeux.ListenerFunc(func(m *bayeux.Message) { got = append(got, m.Data()) })

	ok, err := ch.Subscribe(listener, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hooks.sends, 1)
	require.Empty(t, ch.Subscribers(), "listener attaches only after the reply")

	// 模拟具体会话在 dispatch 时登记订阅者
	s.Registry().RegisterSubscriber("1", hooks.sends[0].listener)
	reply := bayeux.NewMessage()
	reply.SetChannel(bayeux.MetaSubscribe)
	reply.SetID("1")
	reply.SetSubscription("/chat")
	reply.SetSuccessful(true)
	s.Receive(reply)
	require.Len(t, ch.Subscribers(), 1)

	s.Receive(dataMessage("/chat", "hello"))
	require.Equal(t, []any{"hello"}, got)

	// 重复订阅同一监听器被拒绝，第二个监听器直接挂上
	ok, err = ch.Subscribe(listener, nil)
	require.NoError(t, err)
	require.False(t, ok)
	other := bayeux.ListenerFunc(func(*bayeux.Message) {})
	ok, err = ch.Subscribe(other, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hooks.sends, 1)
	require.Len(t, ch.Subscribers(), 2)
}

func TestSession_SubscribePropagatesSendError(t *testing.T) {
	s, hooks := newTestSession()
	ch := mustChannel(t, s, "/chat")
	hooks.sendErr = errors.NewInvalidState("not handshaken")

	ok, err := ch.Subscribe(bayeux.ListenerFunc(func(*bayeux.Message) {}), nil)
	require.False(t, ok)
	require.True(t, errors.IsInvalidState(err))
	require.Empty(t, ch.Subscribers())
}

func TestSession_FailedSubscribeDropsSubscriber(t *testing.T) {
	s, _ := newTestSession()
	ch := mustChannel(t, s, "/chat")

	listener := bayeux.ListenerFunc(func(*bayeux.Message) {})
	s.Registry().RegisterSubscriber("9", listener)

	reply := bayeux.NewMessage()
	reply.SetChannel(bayeux.MetaSubscribe)
	reply.SetID("9")
	reply.SetSubscription("/chat")
	reply.SetSuccessful(false)
	s.Receive(reply)

	require.Empty(t, ch.Subscribers())
	_, subs := s.Registry().Pending()
	require.Zero(t, subs)
}

func TestSession_UnsubscribeSendsOnLastListener(t *testing.T) {
	s, hooks := newTestSession()
	ch := mustChannel(t, s, "/chat")

	a := bayeux.ListenerFunc(func(*bayeux.Message) {})
	b := bayeux.ListenerFunc(func(*bayeux.Message) {})
	_, err := ch.Subscribe(a, nil)
	require.NoError(t, err)
	_, err = ch.Subscribe(b, nil)
	require.NoError(t, err)
	ch.completeSubscribe(true)
	require.Len(t, ch.Subscribers(), 2)
	require.Len(t, hooks.sends, 1)

	ok, err := ch.Unsubscribe(a, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hooks.sends, 1)

	ok, err = ch.Unsubscribe(b, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hooks.sends, 2)
	require.Equal(t, "unsubscribe", hooks.sends[1].kind)

	ok, err = ch.Unsubscribe(b, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSession_PendingSubscribersShareOneRequest(t *testing.T) {
	tests := []struct {
		name        string
		successful  bool
		unsubscribe bool
		want        int
	}{
		{name: "成功后全部挂上", successful: true, want: 2},
		{name: "失败后全部丢弃", successful: false, want: 0},
		{name: "未决期间取消的不再挂上", successful: true, unsubscribe: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, hooks := newTestSession()
			ch := mustChannel(t, s, "/chat")
			a := bayeux.ListenerFunc(func(*bayeux.Message) {})
			b := bayeux.ListenerFunc(func(*bayeux.Message) {})

			ok, err := ch.Subscribe(a, nil)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = ch.Subscribe(b, nil)
			require.NoError(t, err)
			require.True(t, ok)
			ok, err = ch.Subscribe(a, nil)
			require.NoError(t, err)
			require.False(t, ok, "pending listener counts as subscribed")
			require.Len(t, hooks.sends, 1, "no duplicate subscribe request")
			require.False(t, ch.Release())

			if tt.unsubscribe {
				ok, err = ch.Unsubscribe(a, nil)
				require.NoError(t, err)
				require.True(t, ok)
				require.Len(t, hooks.sends, 1, "b is still pending")
			}

			s.Registry().RegisterSubscriber("1", hooks.sends[0].listener)
			reply := bayeux.NewMessage()
			reply.SetChannel(bayeux.MetaSubscribe)
			reply.SetID("1")
			reply.SetSubscription("/chat")
			reply.SetSuccessful(tt.successful)
			s.Receive(reply)

			require.Len(t, ch.Subscribers(), tt.want)
		})
	}
}

func TestSession_AbandonedSubscribeClearsPending(t *testing.T) {
	s, hooks := newTestSession()
	ch := mustChannel(t, s, "/chat")
	listener := bayeux.ListenerFunc(func(*bayeux.Message) {})

	_, err := ch.Subscribe(listener, nil)
	require.NoError(t, err)
	s.AbandonSubscribe("/chat")
	require.Empty(t, ch.Subscribers())

	ok, err := ch.Subscribe(listener, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, hooks.sends, 2, "a new request is sent after the abandoned one")
}

func TestSession_NotifyCallbacksOnce(t *testing.T) {
	s, _ := newTestSession()

	calls := 0
	s.Registry().RegisterCallback("5", bayeux.ListenerFunc(func(*bayeux.Message) { calls++ }))

	reply := bayeux.NewMessage()
	reply.SetChannel("/chat")
	reply.SetID("5")
	reply.SetSuccessful(true)

	s.Receive(reply)
	s.Receive(reply)
	require.Equal(t, 1, calls)

	// 携带 data 的消息不是回复，不会触发回调
	s.Registry().RegisterCallback("6", bayeux.ListenerFunc(func(*bayeux.Message) { calls++ }))
	push := dataMessage("/chat", "x")
	push.SetID("6")
	s.Receive(push)
	require.Equal(t, 1, calls)
}

func TestSession_WildcardChannelsAreNotified(t *testing.T) {
	s, _ := newTestSession()

	var got []string
	for _, path := range []string{"/a/b", "/a/*", "/a/**", "/**"} {
		p := path
		ch := mustChannel(t, s, p)
		require.NoError(t, ch.AddListener(bayeux.ListenerFunc(func(*bayeux.Message) { got = append(got, p) })))
	}

	s.Receive(dataMessage("/a/b", 1))
	require.Equal(t, []string{"/a/b", "/a/*", "/a/**", "/**"}, got)
}

func TestSession_ListenerPanicIsContained(t *testing.T) {
	s, _ := newTestSession()
	ch := mustChannel(t, s, "/boom")

	called := false
	require.NoError(t, ch.AddListener(bayeux.ListenerFunc(func(*bayeux.Message) { panic("boom") })))
	require.NoError(t, ch.AddListener(bayeux.ListenerFunc(func(*bayeux.Message) { called = true })))

	require.NotPanics(t, func() { s.Receive(dataMessage("/boom", 1)) })
	require.True(t, called)
}

func TestSession_ReleasedChannelFailsFast(t *testing.T) {
	s, _ := newTestSession()
	ch := mustChannel(t, s, "/gone")

	l := bayeux.ListenerFunc(func(*bayeux.Message) {})
	require.NoError(t, ch.AddListener(l))
	require.False(t, ch.Release(), "channel with listeners cannot be released")

	require.NoError(t, ch.RemoveListener(l))
	require.True(t, ch.Release())
	require.True(t, ch.IsReleased())
	require.Empty(t, s.Channels())

	_, err := ch.Subscribe(l, nil)
	require.True(t, errors.IsReleased(err))
	require.True(t, errors.IsReleased(ch.AddListener(l)))
	require.True(t, errors.IsReleased(ch.UnsubscribeAll(nil)))

	fresh := mustChannel(t, s, "/gone")
	require.NotSame(t, ch, fresh)
}

func TestRegistry_RemoveOnce(t *testing.T) {
	r := NewRegistry()
	l := bayeux.ListenerFunc(func(*bayeux.Message) {})

	r.RegisterCallback("", l)
	r.RegisterCallback("1", nil)
	cbs, subs := r.Pending()
	require.Zero(t, cbs)
	require.Zero(t, subs)

	r.RegisterCallback("1", l)
	r.RegisterSubscriber("1", l)
	require.Same(t, l, r.UnregisterCallback("1"))
	require.Nil(t, r.UnregisterCallback("1"))
	require.Same(t, l, r.UnregisterSubscriber("1"))
	require.Nil(t, r.UnregisterSubscriber("1"))
	require.Nil(t, r.UnregisterCallback("unknown"))
}
