package hub

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Parley/internal/event"
	"Parley/internal/model"
)

const (
	TransportWebSocket = "websocket"
	TransportLocal     = "local"
)

var (
	// tuning parameters
	writeWait          = 10 * time.Second       // time allowed to write a message to the peer
	pongWait           = 20 * time.Second       // time allowed to read the next pong message from the peer
	pingInterval       = (pongWait * 9) / 10    // send pings to peer with this period
	maxMessageSize     = 64 * 1024              // max inbound message size (64KB)
	sendBufSize        = 256                    // per-connection outbound buffer size
	workerPoolSize     = 16                     // number of workers to process inbound messages
	sendTimeout        = 2 * time.Second        // timeout for enqueuing outbound messages
	kickOnFull         = true                   // when true, disconnect client when egress is full
	registerTimeout    = 5 * time.Second        // timeout for client registration
	unregisterTimeout  = 5 * time.Second        // timeout for client unregistration
	inboundSendTimeout = 500 * time.Millisecond // timeout for sending to inbound channel
)

// Client is one websocket subscription.
type Client struct {
	id           string
	userID       string
	partnerID    string
	subscription string
	channel      string

	conn    *websocket.Conn
	hub     *Hub
	egress  chan event.WsEvent
	limiter *rate.Limiter
	logger  *zap.Logger

	// cancel or stop goroutine
	ctx            context.Context
	cancel         context.CancelFunc
	once           sync.Once
	connClosed     chan struct{}
	connClosedOnce sync.Once
}

// ServeWS upgrades the request and attaches the connection to the viewer's
// conversation channel with partnerID, or to the viewer's inbox when
// partnerID is empty. The first event the client receives is the
// subscription acknowledgement.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, viewerID, partnerID, subscription string) {
	if h.stopped() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if subscription == "" {
		subscription = uuid.NewString()
	}
	channel := event.InboxChannel(viewerID)
	if partnerID != "" {
		channel = event.ConversationChannel(viewerID, partnerID)
	}

	ctx, cancel := context.WithCancel(h.ctx)
	c := &Client{
		id:           uuid.NewString(),
		userID:       viewerID,
		partnerID:    partnerID,
		subscription: subscription,
		channel:      channel,
		conn:         conn,
		hub:          h,
		egress:       make(chan event.WsEvent, sendBufSize),
		limiter:      h.newLimiter(),
		ctx:          ctx,
		cancel:       cancel,
		connClosed:   make(chan struct{}),
	}
	c.logger = h.logger.With(zap.String("client_id", c.id), zap.String("subscription", subscription))

	// the ack goes first; the writer starts once the client is attached, so
	// nothing published before that point is promised to it
	ack, err := subscribedEvent(c)
	if err == nil {
		c.egress <- ack
	}

	if err := h.Attach(c); err != nil {
		c.logger.Warn("failed to register client", zap.Error(err))
		c.cancel()
		_ = conn.Close()
		return
	}
	go c.WriteMessage()
	go c.ReadMessages()
	c.logger.Info("client registered", zap.String("user_id", viewerID), zap.String("channel", channel))
}

func (c *Client) ID() string      { return c.id }
func (c *Client) UserID() string  { return c.userID }
func (c *Client) Channel() string { return c.channel }

func (c *Client) Info() model.ClientInfo {
	return model.ClientInfo{
		ClientID:     c.id,
		Subscription: c.subscription,
		UserID:       c.userID,
		PartnerID:    c.partnerID,
		Channel:      c.channel,
		Transport:    TransportWebSocket,
	}
}

func (c *Client) allowTyping() bool { return c.limiter.Allow() }

func (c *Client) shutdown() { c.Close() }

func (c *Client) ReadMessages() {
	defer c.hub.Detach(c)

	c.conn.SetReadLimit(int64(maxMessageSize))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(c.pongHandler)

	for {
		var ev event.WsEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Debug("client disconnected")
				return
			}

			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseInternalServerErr,
				websocket.CloseProtocolError,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.logger.Info("client timed out - closing connection")
				return
			}

			// For other errors, exit (cleanup will happen in defer)
			if c.ctx.Err() == nil {
				c.logger.Debug("error reading from client", zap.Error(err))
			}
			return
		}

		// Non-blocking send into inbound processing queue to avoid blocking reader
		select {
		case c.hub.inbound <- inboundMessage{member: c, event: ev}:
			// accepted for processing
		case <-time.After(inboundSendTimeout):
			c.logger.Warn("inbound send timeout: dropping client")
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) WriteMessage() {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()

		// Safe close of connClosed channel using sync.Once
		c.connClosedOnce.Do(func() {
			close(c.connClosed)
		})
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) pongHandler(string) error {
	return c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

// enqueue attempts to queue ev for the writer. Returns false if the client is
// closed or the queue stayed full for sendTimeout.
func (c *Client) enqueue(ev event.WsEvent) bool {
	if c.ctx.Err() != nil {
		return false
	}

	select {
	case c.egress <- ev:
		return true
	case <-c.ctx.Done():
		return false
	case <-time.After(sendTimeout):
		return false
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()

		// Wait for WriteMessage to close conn, or force close after timeout
		go func() {
			select {
			case <-c.connClosed:
				// WriteMessage closed it properly
			case <-time.After(5 * time.Second):
				_ = c.conn.Close()
				c.logger.Warn("safety timeout: force closed connection")
			}
		}()
	})
}
