package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Parley/internal/connection"
	"Parley/internal/event"
)

var (
	ackTimeout = 10 * time.Second
	readWait   = 45 * time.Second // server pings well inside this
	writeWait  = 10 * time.Second
)

// Subscriber opens websocket subscriptions against the server's socket endpoint.
type Subscriber struct {
	socketURL string
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

var _ connection.Subscriber = (*Subscriber)(nil)

// NewSubscriber returns a subscriber for socketURL, e.g. ws://localhost:8081/ws.
func NewSubscriber(socketURL string, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		socketURL: socketURL,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger.Named("subscriber"),
	}
}

// Subscribe dials the socket and returns once the server has acknowledged the
// subscription. Events after the acknowledgement go to sink.
func (s *Subscriber) Subscribe(ctx context.Context, req connection.Request, sink connection.Sink) (connection.Subscription, error) {
	u, err := url.Parse(s.socketURL)
	if err != nil {
		return nil, fmt.Errorf("socket url: %w", err)
	}
	q := u.Query()
	q.Set("viewerId", req.ViewerID)
	if !req.Inbox() {
		q.Set("partnerId", req.PartnerID)
	}
	q.Set("subscription", req.Name)
	u.RawQuery = q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", strings.SplitN(u.String(), "?", 2)[0], resp.Status, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack event.WsEvent
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await subscription ack: %w", err)
	}
	if ack.Event != event.EventSubscribed {
		_ = conn.Close()
		if ack.Event == event.EventError {
			return nil, fmt.Errorf("subscription refused: %s", ack.DecodeError().Message)
		}
		return nil, fmt.Errorf("expected %s, got %s", event.EventSubscribed, ack.Event)
	}

	sub := &wsSub{
		conn:   conn,
		sink:   sink,
		done:   make(chan struct{}),
		logger: s.logger.With(zap.String("subscription", req.Name)),
	}
	conn.SetPingHandler(sub.pingHandler)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	go sub.readLoop()
	sub.logger.Debug("subscribed", zap.String("channel", ack.ChannelId))
	return sub, nil
}

type wsSub struct {
	conn   *websocket.Conn
	sink   connection.Sink
	logger *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSub) pingHandler(data string) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (s *wsSub) readLoop() {
	defer close(s.done)

	for {
		var ev event.WsEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			if !s.closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = err
			}
			s.mu.Unlock()
			_ = s.conn.Close()
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		s.sink(ev)
	}
}

func (s *wsSub) Done() <-chan struct{} { return s.done }

func (s *wsSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSub) Send(ev event.WsEvent) error {
	select {
	case <-s.done:
		return errors.New("subscription closed")
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Close sends a close frame and tears the connection down. Safe to call more than once.
func (s *wsSub) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
