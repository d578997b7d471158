// Package connection owns the live subscription of one conversation (or of one
// viewer's inbox) and keeps it alive with bounded exponential backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Parley/internal/errs"
	"Parley/internal/event"
	"Parley/internal/metrics"
	"Parley/internal/model"
	"Parley/internal/reconcile"
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

var (
	ErrNotSubscribed = errors.New("connection: not subscribed")
	errStreamEnded   = errors.New("connection: stream ended")
)

// StateChange is reported on every transition. Attempt is the number of
// consecutive failures so far; Delay is set while retrying.
type StateChange struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}

// Terminal reports whether the retry budget is exhausted.
func (c StateChange) Terminal() bool {
	return c.State == StateDisconnected && errors.Is(c.Err, errs.ErrTerminalConnection)
}

// Request identifies one subscription. An empty PartnerID subscribes to every
// event addressed to ViewerID.
type Request struct {
	Name      string
	ViewerID  string
	PartnerID string
}

func (r Request) Inbox() bool { return r.PartnerID == "" }

// Sink receives the raw events of a subscription.
type Sink func(event.WsEvent)

// Subscription is one live stream. Done is closed when the stream ends; Err
// then reports why (nil on a clean remote close).
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Send(ev event.WsEvent) error
	Close() error
}

// Subscriber opens subscriptions against the message store.
type Subscriber interface {
	Subscribe(ctx context.Context, req Request, sink Sink) (Subscription, error)
}

// MessageSink receives decoded message inserts and updates.
type MessageSink interface {
	ApplyRemoteEvent(kind reconcile.EventKind, msg model.Message)
}

type Config struct {
	ViewerID  string
	PartnerID string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	Logger *zap.Logger

	OnState    func(StateChange)
	OnTyping   func(model.TypingIndicator)
	OnPresence func(model.Presence)
	// OnSubscribed runs after every successful (re)subscribe, before the
	// manager waits on the stream.
	OnSubscribed func(ctx context.Context)
}

type Manager struct {
	subscriber Subscriber
	sink       MessageSink
	req        Request

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	logger       *zap.Logger
	onState      func(StateChange)
	onTyping     func(model.TypingIndicator)
	onPresence   func(model.Presence)
	onSubscribed func(ctx context.Context)

	// serializes OnState callbacks
	notifyMu sync.Mutex

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	running bool
	closed  bool
	state   State
	lastErr error
	sub     *liveSub
	wg      sync.WaitGroup
}

// liveSub closes the underlying subscription at most once.
type liveSub struct {
	Subscription
	once sync.Once
}

func (s *liveSub) close() {
	s.once.Do(func() { _ = s.Subscription.Close() })
}

// NewManager builds a manager with a unique subscription name. It does not
// connect until Start.
func NewManager(subscriber Subscriber, sink MessageSink, cfg Config) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	scope := cfg.PartnerID
	if scope == "" {
		scope = "inbox"
	}
	name := fmt.Sprintf("%s:%s:%s", cfg.ViewerID, scope, uuid.NewString())

	return &Manager{
		subscriber:   subscriber,
		sink:         sink,
		req:          Request{Name: name, ViewerID: cfg.ViewerID, PartnerID: cfg.PartnerID},
		baseDelay:    cfg.BaseDelay,
		maxDelay:     cfg.MaxDelay,
		maxAttempts:  cfg.MaxAttempts,
		logger:       cfg.Logger.Named("connection").With(zap.String("subscription", name)),
		onState:      cfg.OnState,
		onTyping:     cfg.OnTyping,
		onPresence:   cfg.OnPresence,
		onSubscribed: cfg.OnSubscribed,
		state:        StateDisconnected,
	}
}

func (m *Manager) Name() string { return m.req.Name }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the error behind the latest failure, cleared on subscribe.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start begins the connect loop. It is a no-op when already running or closed.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.running {
		return
	}
	m.parent = ctx
	m.startLocked()
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(m.parent)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.run(ctx)
}

// Reconnect tears down the current loop, if any, and starts again with a fresh
// attempt counter.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed || m.parent == nil {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.running {
		return
	}
	m.logger.Info("manual reconnect")
	m.startLocked()
}

// Close cancels the loop and any pending retry, tears the subscription down and
// waits for the loop to exit. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.transition(StateChange{State: StateClosed})
	m.logger.Debug("closed")
}

// Broadcast sends ev over the live subscription.
func (m *Manager) Broadcast(ev event.WsEvent) error {
	m.mu.Lock()
	sub := m.sub
	subscribed := m.state == StateSubscribed
	m.mu.Unlock()

	if sub == nil || !subscribed {
		return ErrNotSubscribed
	}
	return sub.Send(ev)
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		m.transition(StateChange{State: StateConnecting, Attempt: failures})
		err := m.subscribeOnce(ctx, &failures)
		if ctx.Err() != nil {
			return
		}

		failures++
		if failures >= m.maxAttempts {
			terminal := fmt.Errorf("%w after %d attempts: %v", errs.ErrTerminalConnection, failures, err)
			metrics.TerminalDisconnects.Inc()
			m.logger.Error("retry budget exhausted", zap.Int("attempts", failures), zap.Error(err))
			m.transition(StateChange{State: StateDisconnected, Attempt: failures, Err: terminal})
			return
		}

		delay := Backoff(failures-1, m.baseDelay, m.maxDelay)
		m.logger.Warn("subscription failed, retrying",
			zap.Int("attempt", failures),
			zap.Duration("delay", delay),
			zap.Error(err))
		m.transition(StateChange{State: StateRetrying, Attempt: failures, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// subscribeOnce opens one subscription and blocks until it ends. The failure
// counter is reset once the subscription is established.
func (m *Manager) subscribeOnce(ctx context.Context, failures *int) error {
	raw, err := m.subscriber.Subscribe(ctx, m.req, m.deliver)
	if err != nil {
		metrics.SubscribeAttempts.WithLabelValues("error").Inc()
		return err
	}
	metrics.SubscribeAttempts.WithLabelValues("ok").Inc()

	sub := &liveSub{Subscription: raw}
	defer sub.close()

	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.sub == sub {
			m.sub = nil
		}
		m.mu.Unlock()
	}()

	*failures = 0
	m.logger.Info("subscribed")
	m.transition(StateChange{State: StateSubscribed})

	if m.onSubscribed != nil {
		m.onSubscribed(ctx)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sub.Done():
		if err := sub.Err(); err != nil {
			return err
		}
		return errStreamEnded
	}
}

func (m *Manager) transition(change StateChange) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = change.State
	switch {
	case change.Err != nil:
		m.lastErr = change.Err
	case change.State == StateSubscribed:
		m.lastErr = nil
	}
	m.mu.Unlock()

	if m.onState != nil {
		m.onState(change)
	}
}

func (m *Manager) deliver(ev event.WsEvent) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	switch ev.Event {
	case event.EventMessageInsert, event.EventMessageUpdate:
		msg, err := ev.DecodeMessage()
		if err != nil {
			m.logger.Warn("dropping malformed message event", zap.Error(err))
			return
		}
		if !m.relevant(msg) {
			return
		}
		kind := reconcile.Insert
		if ev.Event == event.EventMessageUpdate {
			kind = reconcile.Update
		}
		m.sink.ApplyRemoteEvent(kind, msg)

	case event.EventTyping:
		t, err := ev.DecodeTyping()
		if err != nil || t.UserID == m.req.ViewerID {
			return
		}
		if m.onTyping != nil {
			m.onTyping(t)
		}

	case event.EventPresence:
		p, err := ev.DecodePresence()
		if err != nil || p.UserID == m.req.ViewerID {
			return
		}
		if m.onPresence != nil {
			m.onPresence(p)
		}

	case event.EventError:
		p := ev.DecodeError()
		m.logger.Warn("remote error event", zap.String("code", p.Code), zap.String("error", p.Message))
		return

	default:
		return
	}
	metrics.EventsDelivered.WithLabelValues(ev.Event).Inc()
}

func (m *Manager) relevant(msg model.Message) bool {
	if m.req.Inbox() {
		return msg.SenderID == m.req.ViewerID || msg.ReceiverID == m.req.ViewerID
	}
	return msg.Involves(m.req.ViewerID, m.req.PartnerID)
}
