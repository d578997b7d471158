package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Parley/internal/connection"
	"Parley/internal/event"
	"Parley/internal/model"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
	carol = "33333333-3333-4333-8333-333333333333"
)

type collector struct {
	ch chan event.WsEvent
}

func newCollector() *collector {
	return &collector{ch: make(chan event.WsEvent, 64)}
}

func (c *collector) sink(ev event.WsEvent) { c.ch <- ev }

// waitFor returns the first event called name, skipping any others.
func (c *collector) waitFor(t *testing.T, name string) event.WsEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.ch:
			if ev.Event == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event received", name)
			return event.WsEvent{}
		}
	}
}

// none asserts no event called name arrives within d.
func (c *collector) none(t *testing.T, name string, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-c.ch:
			require.NotEqual(t, name, ev.Event, "unexpected %s event", name)
		case <-deadline:
			return
		}
	}
}

func newTestHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	h := NewHub(opts)
	t.Cleanup(h.Stop)
	return h
}

func subscribe(t *testing.T, h *Hub, viewer, partner string) (connection.Subscription, *collector) {
	t.Helper()
	c := newCollector()
	sub, err := h.Local().Subscribe(context.Background(), connection.Request{
		Name:      viewer + ":" + partner,
		ViewerID:  viewer,
		PartnerID: partner,
	}, c.sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return sub, c
}

func typingEvent(t *testing.T, claimedUser string, typing bool) event.WsEvent {
	t.Helper()
	ev, err := event.New(event.EventTyping, "", model.TypingIndicator{UserID: claimedUser, IsTyping: typing})
	require.NoError(t, err)
	return ev
}

func TestPublishMessageReachesConversationAndInboxes(t *testing.T) {
	h := newTestHub(t, Options{})
	_, dm := subscribe(t, h, bob, alice)
	_, bobInbox := subscribe(t, h, bob, "")
	_, aliceInbox := subscribe(t, h, alice, "")
	_, carolInbox := subscribe(t, h, carol, "")

	msg := model.Message{ID: "m1", SenderID: alice, ReceiverID: bob, Content: "hi", CreatedAt: time.Now().UTC()}
	h.PublishMessage(event.EventMessageInsert, msg)

	for _, c := range []*collector{dm, bobInbox, aliceInbox} {
		ev := c.waitFor(t, event.EventMessageInsert)
		got, err := ev.DecodeMessage()
		require.NoError(t, err)
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, "m1", ev.MessageId)
	}
	carolInbox.none(t, event.EventMessageInsert, 50*time.Millisecond)
}

func TestPresenceOnJoinAndLeave(t *testing.T) {
	h := newTestHub(t, Options{})
	_, aliceSide := subscribe(t, h, alice, bob)
	bobSub, bobSide := subscribe(t, h, bob, alice)

	joined, err := aliceSide.waitFor(t, event.EventPresence).DecodePresence()
	require.NoError(t, err)
	assert.Equal(t, bob, joined.UserID)
	assert.True(t, joined.Online)

	already, err := bobSide.waitFor(t, event.EventPresence).DecodePresence()
	require.NoError(t, err)
	assert.Equal(t, alice, already.UserID)
	assert.True(t, already.Online)

	require.NoError(t, bobSub.Close())
	left, err := aliceSide.waitFor(t, event.EventPresence).DecodePresence()
	require.NoError(t, err)
	assert.Equal(t, bob, left.UserID)
	assert.False(t, left.Online)

	select {
	case <-bobSub.Done():
	default:
		t.Fatal("closed subscription not done")
	}
	assert.NoError(t, bobSub.Err())
}

func TestTypingRelayUsesSubscriberIdentity(t *testing.T) {
	h := newTestHub(t, Options{})
	aliceSub, aliceSide := subscribe(t, h, alice, bob)
	_, bobSide := subscribe(t, h, bob, alice)

	require.NoError(t, aliceSub.Send(typingEvent(t, carol, true)))

	got, err := bobSide.waitFor(t, event.EventTyping).DecodeTyping()
	require.NoError(t, err)
	assert.Equal(t, alice, got.UserID)
	assert.Equal(t, model.TypingStart, got.Type)
	assert.Equal(t, model.ConversationKey(alice, bob), got.ConversationID)

	aliceSide.none(t, event.EventTyping, 50*time.Millisecond)
}

func TestTypingIsRateLimited(t *testing.T) {
	h := newTestHub(t, Options{TypingPerSecond: 0.01, TypingBurst: 1})
	aliceSub, _ := subscribe(t, h, alice, bob)
	_, bobSide := subscribe(t, h, bob, alice)

	for i := 0; i < 3; i++ {
		require.NoError(t, aliceSub.Send(typingEvent(t, alice, true)))
	}

	bobSide.waitFor(t, event.EventTyping)
	bobSide.none(t, event.EventTyping, 100*time.Millisecond)
}

func TestTypingOnInboxIsIgnored(t *testing.T) {
	h := newTestHub(t, Options{})
	inboxSub, inbox := subscribe(t, h, alice, "")

	require.NoError(t, inboxSub.Send(typingEvent(t, alice, true)))
	inbox.none(t, event.EventTyping, 50*time.Millisecond)
	inbox.none(t, event.EventError, 10*time.Millisecond)
}

func TestUnsupportedInboundEventIsRejected(t *testing.T) {
	h := newTestHub(t, Options{})
	sub, c := subscribe(t, h, alice, bob)

	ev, err := event.MessageEvent(event.EventMessageInsert, "", model.Message{ID: "x", SenderID: alice, ReceiverID: bob, Content: "sneaky"})
	require.NoError(t, err)
	require.NoError(t, sub.Send(ev))

	payload := c.waitFor(t, event.EventError).DecodeError()
	assert.Equal(t, "validation", payload.Code)
}

func TestStopEndsSubscriptions(t *testing.T) {
	h := NewHub(Options{})
	sub, _ := subscribe(t, h, alice, bob)

	h.Stop()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription still live after stop")
	}
	assert.ErrorIs(t, sub.Err(), ErrHubStopped)

	_, err := h.Local().Subscribe(context.Background(), connection.Request{ViewerID: alice, PartnerID: bob}, func(event.WsEvent) {})
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.ErrorIs(t, sub.Send(typingEvent(t, alice, true)), ErrSubscriptionClosed)
}

func TestMonitorStats(t *testing.T) {
	h := newTestHub(t, Options{})
	subscribe(t, h, alice, bob)
	subscribe(t, h, bob, alice)
	subscribe(t, h, alice, "")

	stats := NewMonitorService(h).GetStats()

	assert.Equal(t, "healthy", stats.Status)
	assert.Equal(t, 3, stats.Connections.TotalConnected)
	assert.Equal(t, 3, stats.Connections.TotalLocal)
	assert.Equal(t, 0, stats.Connections.TotalWebSocket)
	assert.Equal(t, 2, stats.Channels.TotalChannels)
	assert.Equal(t, 1, stats.Channels.Conversations)
	assert.Equal(t, 1, stats.Channels.Inboxes)
	require.Len(t, stats.Clients, 3)

	dm := stats.Channels.ChannelDetails[0]
	assert.Equal(t, event.ConversationChannel(alice, bob), dm.Channel)
	assert.Equal(t, 2, dm.Subscribers)
	assert.ElementsMatch(t, []string{alice, bob}, dm.UserIDs)
}

func TestMonitorIdleHub(t *testing.T) {
	h := newTestHub(t, Options{})
	stats := NewMonitorService(h).GetStats()
	assert.Equal(t, "idle", stats.Status)
	assert.Empty(t, stats.Clients)
}

func TestServeWSAcksAndDelivers(t *testing.T) {
	h := newTestHub(t, Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		h.ServeWS(w, r, q.Get("viewer"), q.Get("partner"), q.Get("subscription"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?viewer=" + bob + "&partner=" + alice + "&subscription=bob-chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ack event.WsEvent
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, event.EventSubscribed, ack.Event)
	assert.Equal(t, event.ConversationChannel(alice, bob), ack.ChannelId)

	var stats model.MonitorResponse
	require.Eventually(t, func() bool {
		stats = NewMonitorService(h).GetStats()
		return len(stats.Clients) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob-chat", stats.Clients[0].Subscription)
	assert.Equal(t, TransportWebSocket, stats.Clients[0].Transport)

	h.PublishMessage(event.EventMessageInsert, model.Message{ID: "m1", SenderID: alice, ReceiverID: bob, Content: "hi"})

	var got event.WsEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, event.EventMessageInsert, got.Event)
	assert.Equal(t, "m1", got.MessageId)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")))
	assert.True(t, check(req("https://app.example.com")))
	assert.False(t, check(req("https://evil.example.com")))
	assert.True(t, originChecker([]string{"*"})(req("https://anything.example.com")))
}
