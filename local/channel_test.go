package local

import (
	"testing"

	"github.com/stretchr/testify/require"

	"gocomet/bayeux"
	"gocomet/errors"
)

func TestLocalChannel_SubscribeThenPublish(t *testing.T) {
	bus := newTestBus()
	pub := connected(t, bus, "pub")
	sub := connected(t, bus, "sub")

	subCh, err := sub.Channel("/chat/room")
	require.NoError(t, err)
	received := &replies{}
	subscribed := &replies{}
	ok, err := subCh.Subscribe(received.listener(), subscribed.listener())
	require.NoError(t, err)
	require.True(t, ok)

	acks := subscribed.all()
	require.Len(t, acks, 1)
	require.True(t, acks[0].IsSuccessful())
	require.Equal(t, "/chat/room", acks[0].Subscription())
	require.Len(t, subCh.Subscribers(), 1)

	subID, _ := sub.ID()
	peer, _ := sub.ServerSession()
	require.True(t, bus.Channel("/chat/room").IsSubscribed(peer))
	require.Equal(t, []string{"/chat/room"}, peer.Subscriptions())
	require.NotEmpty(t, subID)

	pubCh, err := pub.Channel("/chat/room")
	require.NoError(t, err)
	require.NoError(t, pubCh.Publish(map[string]any{"text": "hi"}, nil))

	got := received.all()
	require.Len(t, got, 1, "listener is invoked exactly once")
	require.Equal(t, "/chat/room", got[0].Channel())
	require.Equal(t, map[string]any{"text": "hi"}, got[0].Data())
}

// TestLocalChannel_PublishNilData data 为 nil 的发布仍按数据消息投递，不被当作发布回复
func TestLocalChannel_PublishNilData(t *testing.T) {
	bus := newTestBus()
	pub := connected(t, bus, "pub")
	sub := connected(t, bus, "sub")

	subCh, err := sub.Channel("/chat/room")
	require.NoError(t, err)
	received := &replies{}
	subscribed := &replies{}
	ok, err := subCh.Subscribe(received.listener(), subscribed.listener())
	require.NoError(t, err)
	require.True(t, ok)

	pubCh, err := pub.Channel("/chat/room")
	require.NoError(t, err)
	acks := &replies{}
	require.NoError(t, pubCh.Publish(nil, acks.listener()))

	gotAcks := acks.all()
	require.Len(t, gotAcks, 1)
	require.True(t, gotAcks[0].IsSuccessful())
	require.True(t, gotAcks[0].IsPublishReply())

	got := received.all()
	require.Len(t, got, 1, "nil data is delivered to subscribers")
	require.True(t, got[0].Has(bayeux.DataField))
	require.Nil(t, got[0].Data())
	require.False(t, got[0].IsPublishReply())
	require.Len(t, subscribed.all(), 1, "subscriber's own callbacks are not fired by the delivery")
}

func TestLocalChannel_WildSubscription(t *testing.T) {
	bus := newTestBus()
	s := connected(t, bus, "worker")

	wild, err := s.Channel("/chat/*")
	require.NoError(t, err)
	received := &replies{}
	_, err = wild.Subscribe(received.listener(), nil)
	require.NoError(t, err)

	ch, err := s.Channel("/chat/room")
	require.NoError(t, err)
	require.NoError(t, ch.Publish("x", nil))
	require.NoError(t, ch.Publish("y", nil))

	got := received.all()
	require.Len(t, got, 2)
	require.Equal(t, "x", got[0].Data())
	require.Equal(t, "y", got[1].Data())
}

func TestLocalChannel_Unsubscribe(t *testing.T) {
	bus := newTestBus()
	s := connected(t, bus, "worker")
	peer, _ := s.ServerSession()

	ch, err := s.Channel("/news")
	require.NoError(t, err)
	received := &replies{}
	listener := received.listener()
	_, err = ch.Subscribe(listener, nil)
	require.NoError(t, err)

	unsubscribed := &replies{}
	ok, err := ch.Unsubscribe(listener, unsubscribed.listener())
	require.NoError(t, err)
	require.True(t, ok)

	acks := unsubscribed.all()
	require.Len(t, acks, 1)
	require.Equal(t, bayeux.MetaUnsubscribe, acks[0].Channel())
	require.True(t, acks[0].IsSuccessful())
	require.False(t, bus.Channel("/news").IsSubscribed(peer))

	require.NoError(t, bus.Publish("/news", "late"))
	require.Empty(t, received.all())
}

func TestLocalChannel_ReleaseFailsFast(t *testing.T) {
	s := connected(t, newTestBus(), "worker")
	ch, err := s.Channel("/gone")
	require.NoError(t, err)

	owner, err := ch.Session()
	require.NoError(t, err)
	require.Same(t, s, owner)

	require.True(t, ch.Release())
	require.True(t, ch.IsReleased())

	_, err = ch.Session()
	require.True(t, errors.IsReleased(err))
	require.True(t, errors.IsReleased(ch.Publish("x", nil)))
	_, err = ch.Subscribe(bayeux.ListenerFunc(func(*bayeux.Message) {}), nil)
	require.ErrorIs(t, err, errors.ErrReleased)

	fresh, err := s.Channel("/gone")
	require.NoError(t, err)
	require.NotSame(t, ch, fresh)
	require.NoError(t, fresh.Publish("x", nil))
}

func TestLocalChannel_RequiresHandshake(t *testing.T) {
	s := newTestSession(newTestBus(), "worker")
	ch, err := s.Channel("/chat")
	require.NoError(t, err)

	require.True(t, errors.IsInvalidState(ch.Publish("x", nil)))
	ok, err := ch.Subscribe(bayeux.ListenerFunc(func(*bayeux.Message) {}), nil)
	require.False(t, ok)
	require.True(t, errors.IsInvalidState(err))
	require.Empty(t, ch.Subscribers())
}

func TestLocalChannel_InvalidName(t *testing.T) {
	s := newTestSession(newTestBus(), "worker")
	_, err := s.Channel("chat")
	require.True(t, errors.IsInvalidChannel(err))
}

func TestLocalChannel_String(t *testing.T) {
	s := newTestSession(newTestBus(), "worker")
	ch, err := s.Channel("/chat")
	require.NoError(t, err)
	require.Equal(t, "/chat@L:worker_<disconnected>", ch.String())

	require.NoError(t, s.Handshake(nil, nil))
	id, _ := s.ID()
	require.Equal(t, "/chat@L:"+id, ch.String())
}

func TestBatchQueue_DrainUsesSnapshot(t *testing.T) {
	q := &batchQueue{}
	for _, ch := range []string{"/a", "/b"} {
		m := bayeux.NewMessage()
		m.SetChannel(ch)
		q.enqueue(m)
	}

	var seen []string
	n := q.drain(func(m *bayeux.Message) {
		seen = append(seen, m.Channel())
		late := bayeux.NewMessage()
		late.SetChannel(m.Channel() + "/late")
		q.enqueue(late)
	})
	require.Equal(t, 2, n)
	require.Equal(t, []string{"/a", "/b"}, seen)
	require.Equal(t, 2, q.len())

	seen = nil
	require.Equal(t, 2, q.drain(func(m *bayeux.Message) { seen = append(seen, m.Channel()) }))
	require.Equal(t, []string{"/a/late", "/b/late"}, seen)
	require.Zero(t, q.drain(func(*bayeux.Message) {}))
}
