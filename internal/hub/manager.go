package hub

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"Parley/internal/event"
	"Parley/internal/metrics"
	"Parley/internal/model"
)

const (
	shardCount = 64 // tune: 16/64/128 depending on load
)

var ErrHubStopped = errors.New("hub stopped")

// member is anything attached to a channel: a websocket client or an
// in-process subscription.
type member interface {
	ID() string
	UserID() string
	Channel() string
	Info() model.ClientInfo
	enqueue(ev event.WsEvent) bool
	allowTyping() bool
	// shutdown releases the member once the hub has dropped it
	shutdown()
}

type inboundMessage struct {
	event  event.WsEvent
	member member
}

type registration struct {
	member member
	done   chan struct{}
}

type channelBucket struct {
	sync.RWMutex
	channels map[string]map[string]member
}

type Options struct {
	AllowedOrigins []string
	// TypingPerSecond and TypingBurst bound the typing events one subscriber may relay.
	TypingPerSecond float64
	TypingBurst     int
	Logger          *zap.Logger
}

type Hub struct {
	shards     [shardCount]*channelBucket
	register   chan registration
	unregister chan registration
	inbound    chan inboundMessage
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	typingLimit rate.Limit
	typingBurst int

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TypingPerSecond <= 0 {
		opts.TypingPerSecond = 2
	}
	if opts.TypingBurst <= 0 {
		opts.TypingBurst = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		register:    make(chan registration, 1024),
		unregister:  make(chan registration, 1024),
		inbound:     make(chan inboundMessage, 4096), // buffer for burst handling
		logger:      opts.Logger.Named("hub"),
		typingLimit: rate.Limit(opts.TypingPerSecond),
		typingBurst: opts.TypingBurst,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}

	for i := 0; i < shardCount; i++ {
		h.shards[i] = &channelBucket{
			channels: make(map[string]map[string]member),
		}
	}

	// run manager loop
	go h.run()

	// start worker loop
	for i := 0; i < workerPoolSize; i++ {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in := <-h.inbound:
					h.handleEvent(in.event, in.member)
				}
			}
		}()
	}

	return h
}

func (h *Hub) newLimiter() *rate.Limiter {
	return rate.NewLimiter(h.typingLimit, h.typingBurst)
}

// handleEvent processes what a subscriber sends. Only typing is accepted;
// messages go through the REST API so they are stored before fan-out.
func (h *Hub) handleEvent(ev event.WsEvent, m member) {
	switch ev.Event {
	case event.EventTyping:
		h.relayTyping(ev, m)
	default:
		h.logger.Debug("unsupported inbound event", zap.String("event", ev.Event), zap.String("client_id", m.ID()))
		h.sendError(m, "validation", "unsupported event "+ev.Event)
	}
}

func (h *Hub) relayTyping(ev event.WsEvent, m member) {
	channel := m.Channel()
	if !strings.HasPrefix(channel, "dm:") {
		return
	}
	if !m.allowTyping() {
		metrics.HubDropped.WithLabelValues("rate_limited").Inc()
		return
	}

	t, err := ev.DecodeTyping()
	if err != nil {
		h.sendError(m, "validation", err.Error())
		return
	}
	// never trust the sender's claimed identity
	t.UserID = m.UserID()
	t.ConversationID = strings.TrimPrefix(channel, "dm:")
	if t.IsTyping {
		t.Type = model.TypingStart
	} else {
		t.Type = model.TypingStop
	}

	out, err := event.New(event.EventTyping, channel, t)
	if err != nil {
		h.logger.Error("encode typing", zap.Error(err))
		return
	}
	h.Publish(channel, out, m.ID())
}

func (h *Hub) sendError(m member, code, msg string) {
	ev, err := event.New(event.EventError, m.Channel(), model.ErrorPayload{Code: code, Message: msg})
	if err == nil {
		m.enqueue(ev)
	}
}

// Publish fans ev out to every member of channel except the one with id exclude.
func (h *Hub) Publish(channel string, ev event.WsEvent, exclude string) int {
	members := h.members(channel)
	if len(members) == 0 {
		return 0
	}
	metrics.HubPublished.WithLabelValues(ev.Event).Inc()
	if ev.ChannelId == "" {
		ev.ChannelId = channel
	}

	delivered := 0
	// deliver to members without holding lock
	for _, m := range members {
		if m.ID() == exclude {
			continue
		}
		if m.enqueue(ev) {
			delivered++
			continue
		}

		metrics.HubDropped.WithLabelValues("egress_full").Inc()
		h.logger.Warn("egress full", zap.String("client_id", m.ID()), zap.String("channel", channel))
		if kickOnFull {
			// Unregister (safe async)
			go h.Detach(m)
		}
	}
	return delivered
}

func (h *Hub) members(channel string) []member {
	b := h.shards[getShard(channel)]

	// collect members while holding RLock
	b.RLock()
	defer b.RUnlock()
	room, ok := b.channels[channel]
	if !ok || len(room) == 0 {
		return nil
	}

	members := make([]member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	return members
}

func getShard(channel string) uint32 {
	if channel == "" {
		return 0
	}

	h := sha1.Sum([]byte(channel))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

// Attach adds m to its channel and returns once it is visible to publishers.
func (h *Hub) Attach(m member) error {
	reg := registration{member: m, done: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-h.ctx.Done():
		return ErrHubStopped
	case <-time.After(registerTimeout):
		return errors.New("hub: register timeout")
	}

	select {
	case <-reg.done:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// Detach removes m from its channel and closes it.
func (h *Hub) Detach(m member) {
	reg := registration{member: m, done: make(chan struct{})}
	select {
	case h.unregister <- reg:
	case <-h.ctx.Done():
		m.shutdown()
		return
	case <-time.After(unregisterTimeout):
		h.logger.Warn("failed to unregister client: timeout", zap.String("client_id", m.ID()))
		m.shutdown()
		return
	}

	select {
	case <-reg.done:
	case <-h.ctx.Done():
	}
}

func (h *Hub) addMember(m member) {
	channel := m.Channel()
	sh := getShard(channel)
	b := h.shards[sh]

	b.Lock()
	room, ok := b.channels[channel]
	if !ok {
		room = make(map[string]member)
		b.channels[channel] = room
	}
	userAlreadyHere := false
	others := make(map[string]bool)
	for _, existing := range room {
		if existing.UserID() == m.UserID() {
			userAlreadyHere = true
		} else {
			others[existing.UserID()] = true
		}
	}
	room[m.ID()] = m
	b.Unlock()

	metrics.HubSubscribers.WithLabelValues(m.Info().Transport).Inc()
	h.logger.Debug("client registered",
		zap.String("client_id", m.ID()),
		zap.String("channel", channel),
		zap.Uint32("shard", sh))

	if strings.HasPrefix(channel, "dm:") {
		for user := range others {
			h.notifyPresence(m, user, true)
		}
		if !userAlreadyHere {
			h.broadcastPresence(channel, m.UserID(), true, m.ID())
		}
	}
}

func (h *Hub) removeMember(m member) {
	channel := m.Channel()
	sh := getShard(channel)
	b := h.shards[sh]

	b.Lock()
	room, ok := b.channels[channel]
	_, exists := room[m.ID()]
	if !ok || !exists {
		b.Unlock()
		m.shutdown()
		return
	}
	delete(room, m.ID())
	userStillHere := false
	for _, other := range room {
		if other.UserID() == m.UserID() {
			userStillHere = true
			break
		}
	}
	if len(room) == 0 {
		delete(b.channels, channel)
	}
	b.Unlock()

	m.shutdown()
	metrics.HubSubscribers.WithLabelValues(m.Info().Transport).Dec()
	h.logger.Debug("client removed", zap.String("client_id", m.ID()), zap.String("channel", channel), zap.Uint32("shard", sh))

	if strings.HasPrefix(channel, "dm:") && !userStillHere {
		h.broadcastPresence(channel, m.UserID(), false, m.ID())
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case reg := <-h.register:
			h.addMember(reg.member)
			close(reg.done)
		case reg := <-h.unregister:
			h.removeMember(reg.member)
			close(reg.done)
		}
	}
}

// Stop closes every member and stops the workers. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()

		// Close all client connections
		for _, shard := range h.shards {
			shard.Lock()
			for channel, room := range shard.channels {
				for _, m := range room {
					m.shutdown()
					metrics.HubSubscribers.WithLabelValues(m.Info().Transport).Dec()
				}
				delete(shard.channels, channel)
			}
			shard.Unlock()
		}

		h.wg.Wait()
		h.logger.Info("hub stopped")
	})
}

func (h *Hub) stopped() bool {
	return h.ctx.Err() != nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no origin
		if origin == "" || set["*"] {
			return true
		}
		return set[origin]
	}
}
