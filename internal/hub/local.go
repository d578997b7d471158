package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"Parley/internal/connection"
	"Parley/internal/event"
	"Parley/internal/model"
)

var ErrSubscriptionClosed = errors.New("hub: subscription closed")

// Local attaches in-process subscribers to the hub. It lets a client engine
// running inside the server process use the hub without a websocket.
type Local struct {
	hub *Hub
}

func (h *Hub) Local() *Local { return &Local{hub: h} }

var _ connection.Subscriber = (*Local)(nil)

// Subscribe attaches a subscription for req and returns once it is live.
func (l *Local) Subscribe(ctx context.Context, req connection.Request, sink connection.Sink) (connection.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.hub.stopped() {
		return nil, ErrHubStopped
	}

	channel := event.InboxChannel(req.ViewerID)
	if !req.Inbox() {
		channel = event.ConversationChannel(req.ViewerID, req.PartnerID)
	}

	s := &localSub{
		id:      uuid.NewString(),
		req:     req,
		channel: channel,
		hub:     l.hub,
		sink:    sink,
		egress:  make(chan event.WsEvent, sendBufSize),
		limiter: l.hub.newLimiter(),
		done:    make(chan struct{}),
	}
	go s.pump()

	if err := l.hub.Attach(s); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

type localSub struct {
	id      string
	req     connection.Request
	channel string
	hub     *Hub
	sink    connection.Sink
	egress  chan event.WsEvent
	limiter *rate.Limiter

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *localSub) ID() string      { return s.id }
func (s *localSub) UserID() string  { return s.req.ViewerID }
func (s *localSub) Channel() string { return s.channel }

func (s *localSub) Info() model.ClientInfo {
	return model.ClientInfo{
		ClientID:     s.id,
		Subscription: s.req.Name,
		UserID:       s.req.ViewerID,
		PartnerID:    s.req.PartnerID,
		Channel:      s.channel,
		Transport:    TransportLocal,
	}
}

func (s *localSub) allowTyping() bool { return s.limiter.Allow() }

func (s *localSub) enqueue(ev event.WsEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.egress <- ev:
		return true
	case <-s.done:
		return false
	case <-time.After(sendTimeout):
		return false
	}
}

// pump delivers queued events to the sink in order.
func (s *localSub) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.egress:
			s.sink(ev)
		}
	}
}

func (s *localSub) Done() <-chan struct{} { return s.done }

func (s *localSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send hands ev to the hub as if the subscriber had written it on a socket.
func (s *localSub) Send(ev event.WsEvent) error {
	select {
	case <-s.done:
		return ErrSubscriptionClosed
	default:
	}

	select {
	case s.hub.inbound <- inboundMessage{member: s, event: ev}:
		return nil
	case <-s.done:
		return ErrSubscriptionClosed
	case <-time.After(inboundSendTimeout):
		return errors.New("hub: inbound queue full")
	}
}

// Close detaches the subscription from the hub.
func (s *localSub) Close() error {
	if !s.hub.stopped() {
		s.hub.Detach(s)
	}
	s.shutdown()
	return nil
}

// shutdown ends the subscription. The hub calls it when the subscriber is
// removed; Err then reports ErrHubStopped if the hub is going away.
func (s *localSub) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		if s.hub.stopped() {
			s.err = ErrHubStopped
		}
		s.mu.Unlock()
		close(s.done)
	})
}
