// Package conversation combines the access gate, the reconciler and a connection
// manager into one session per open conversation.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Parley/internal/access"
	"Parley/internal/connection"
	"Parley/internal/errs"
	"Parley/internal/event"
	"Parley/internal/model"
	"Parley/internal/reconcile"
)

const DefaultMaxContentLength = 2000

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("conversation: session closed")

// MessageStore is the durable message log.
type MessageStore interface {
	FetchHistory(ctx context.Context, userA, userB string) ([]model.Message, error)
	Insert(ctx context.Context, msg model.Message) (model.Message, error)
	Update(ctx context.Context, actor, id string, fields model.MessageUpdate) (model.Message, error)
}

// Listeners are notified outside every internal lock. Any of them may be nil.
type Listeners struct {
	Messages   func([]model.Message)
	Access     func(model.AccessState)
	Connection func(connection.StateChange)
	Typing     func(partnerTyping bool)
	Presence   func(partnerOnline bool)
}

type Config struct {
	ViewerID  string
	PartnerID string

	Policy       access.Policy
	GateInterval time.Duration

	MatchWindow      time.Duration
	MaxContentLength int
	TypingIdle       time.Duration

	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxAttempts int

	Now       func() time.Time
	Logger    *zap.Logger
	Listeners Listeners
}

type Session struct {
	viewer  string
	partner string
	channel string
	maxLen  int
	now     func() time.Time
	logger  *zap.Logger
	on      Listeners

	store  MessageStore
	gate   *access.Gate
	rec    *reconcile.Reconciler
	conn   *connection.Manager
	typing *typingDebouncer

	// partner typing lapses on its own if the stop event is lost
	typingTTL time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	opened    atomic.Bool
	disposed  atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu            sync.Mutex
	partnerTyping bool
	partnerOnline bool
	typingExpiry  *time.Timer
}

// NewSession wires a session. Nothing touches the network until Open.
func NewSession(store MessageStore, reservations access.ReservationLookup, subscriber connection.Subscriber, cfg Config) *Session {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	logger := cfg.Logger.Named("session").With(
		zap.String("viewer_id", cfg.ViewerID),
		zap.String("partner_id", cfg.PartnerID),
	)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		viewer:    cfg.ViewerID,
		partner:   cfg.PartnerID,
		channel:   event.ConversationChannel(cfg.ViewerID, cfg.PartnerID),
		maxLen:    cfg.MaxContentLength,
		now:       cfg.Now,
		logger:    logger,
		on:        cfg.Listeners,
		store:     store,
		rec:       reconcile.New(cfg.MatchWindow),
		typingTTL: 3 * cfg.TypingIdle,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.gate = access.NewGate(reservations, access.GateConfig{
		ViewerID:  cfg.ViewerID,
		PartnerID: cfg.PartnerID,
		Policy:    cfg.Policy,
		Interval:  cfg.GateInterval,
		Now:       cfg.Now,
		Logger:    cfg.Logger,
		OnChange:  s.accessChanged,
	})
	s.conn = connection.NewManager(subscriber, (*sessionSink)(s), connection.Config{
		ViewerID:     cfg.ViewerID,
		PartnerID:    cfg.PartnerID,
		BaseDelay:    cfg.RetryBase,
		MaxDelay:     cfg.RetryMax,
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       cfg.Logger,
		OnState:      s.connectionChanged,
		OnTyping:     s.partnerTypingChanged,
		OnPresence:   s.partnerPresenceChanged,
		OnSubscribed: s.resync,
	})
	s.typing = newTypingDebouncer(cfg.TypingIdle, s.broadcastTyping)

	return s
}

// Open refreshes access, loads the history and starts the gate ticker and the
// live subscription. A failed reservation lookup leaves the gate locked but does
// not fail Open; a failed history fetch does.
func (s *Session) Open(ctx context.Context) error {
	if s.disposed.Load() {
		return ErrClosed
	}
	if s.opened.Load() {
		return nil
	}

	if _, err := s.gate.Refresh(ctx); err != nil {
		s.logger.Warn("initial access refresh failed", zap.Error(err))
	}

	history, err := s.store.FetchHistory(ctx, s.viewer, s.partner)
	if err != nil {
		return errs.Transient("fetch history", err)
	}
	if !s.opened.CompareAndSwap(false, true) {
		return nil
	}
	s.rec.ApplyRemoteSnapshot(history)
	s.messagesChanged()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.gate.Run(s.ctx)
	}()
	s.conn.Start(s.ctx)

	s.logger.Info("session opened", zap.Int("messages", len(history)))
	return nil
}

// Send validates content and access, shows an optimistic copy immediately and
// replaces it with the stored message once the store confirms it.
func (s *Session) Send(ctx context.Context, content string) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, errs.Validation("content", "message is empty")
	}
	if utf8.RuneCountInString(content) > s.maxLen {
		return model.Message{}, errs.Validation("content", "message is too long")
	}
	if _, err := uuid.Parse(s.partner); err != nil {
		return model.Message{}, errs.Validation("receiver_id", "malformed user id")
	}
	if s.partner == s.viewer {
		return model.Message{}, errs.Validation("receiver_id", "cannot message yourself")
	}
	if s.disposed.Load() {
		return model.Message{}, ErrClosed
	}
	if err := s.gate.RequireSendable(); err != nil {
		return model.Message{}, err
	}

	shadow := s.rec.ApplyOptimistic(model.Message{
		ID:         model.TempIDPrefix + uuid.NewString(),
		SenderID:   s.viewer,
		ReceiverID: s.partner,
		Content:    content,
		CreatedAt:  s.now().UTC(),
	})
	s.messagesChanged()
	s.typing.Stop()

	saved, err := s.store.Insert(ctx, model.Message{
		SenderID:   shadow.SenderID,
		ReceiverID: shadow.ReceiverID,
		Content:    shadow.Content,
		CreatedAt:  shadow.CreatedAt,
	})
	if s.disposed.Load() {
		return saved, err
	}

	if err != nil {
		s.rec.ResolveOptimistic(shadow.ID, reconcile.Outcome{Err: err})
		s.messagesChanged()
		s.logger.Warn("send failed", zap.String("temp_id", shadow.ID), zap.Error(err))
		return model.Message{}, errs.Transient("send", err)
	}

	s.rec.ResolveOptimistic(shadow.ID, reconcile.Outcome{Confirmed: &saved})
	s.messagesChanged()
	return saved, nil
}

// Delete soft-deletes one of the viewer's own messages, for the viewer only or
// for everyone. Deleting for everyone is irreversible.
func (s *Session) Delete(ctx context.Context, id string, forAll bool) error {
	msg, ok := s.rec.Get(id)
	if !ok {
		return errs.Validation("message_id", "unknown message")
	}
	switch {
	case msg.IsTemporary():
		return errs.Permission("delete", "message is not sent yet")
	case msg.SenderID != s.viewer:
		return errs.Permission("delete", "only the sender can delete a message")
	case msg.DeletedForAll:
		return errs.Permission("delete", "message is already deleted for everyone")
	case msg.IsSystem():
		return errs.Permission("delete", "system messages cannot be deleted")
	case msg.IsDeleted && !forAll:
		return nil
	}
	if s.disposed.Load() {
		return ErrClosed
	}

	yes := true
	at := s.now().UTC()
	fields := model.MessageUpdate{IsDeleted: &yes, DeletedAt: &at, DeletedBy: &s.viewer}
	if forAll {
		fields.DeletedForAll = &yes
	}

	updated, err := s.store.Update(ctx, s.viewer, id, fields)
	if s.disposed.Load() {
		return err
	}
	if err != nil {
		s.logger.Warn("delete failed", zap.String("message_id", id), zap.Error(err))
		return errs.Transient("delete", err)
	}

	s.rec.ApplyRemoteEvent(reconcile.Update, updated)
	s.messagesChanged()
	return nil
}

// MarkRead marks the given received messages as read, or every unread received
// message when ids is empty. Failures are logged; the count of messages marked
// is returned.
func (s *Session) MarkRead(ctx context.Context, ids ...string) int {
	var targets []model.Message
	if len(ids) == 0 {
		for _, m := range s.rec.Messages() {
			if s.unreadByViewer(m) {
				targets = append(targets, m)
			}
		}
	} else {
		for _, id := range ids {
			if m, ok := s.rec.Get(id); ok && s.unreadByViewer(m) {
				targets = append(targets, m)
			}
		}
	}

	marked := 0
	yes := true
	for _, m := range targets {
		if s.disposed.Load() {
			break
		}
		updated, err := s.store.Update(ctx, s.viewer, m.ID, model.MessageUpdate{IsRead: &yes})
		if err != nil {
			s.logger.Warn("mark read failed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		if s.disposed.Load() {
			break
		}
		s.rec.ApplyRemoteEvent(reconcile.Update, updated)
		marked++
	}
	if marked > 0 {
		s.messagesChanged()
	}
	return marked
}

func (s *Session) unreadByViewer(m model.Message) bool {
	return m.ReceiverID == s.viewer && !m.IsRead && !m.IsTemporary()
}

// Typing reports local typing activity. Bursts are debounced into one start and
// one stop; Typing(false) stops immediately.
func (s *Session) Typing(isTyping bool) {
	if s.disposed.Load() {
		return
	}
	if isTyping {
		s.typing.Touch()
		return
	}
	s.typing.Stop()
}

func (s *Session) Messages() []model.Message { return s.rec.Messages() }

func (s *Session) AccessState() model.AccessState { return s.gate.State() }

func (s *Session) Reservation() *model.Reservation { return s.gate.Reservation() }

func (s *Session) ConnectionState() connection.State { return s.conn.State() }

// ConnectionError is the error behind the latest connection failure. It wraps
// errs.ErrTerminalConnection once the retry budget is exhausted.
func (s *Session) ConnectionError() error { return s.conn.LastError() }

func (s *Session) PartnerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerTyping
}

func (s *Session) PartnerOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerOnline
}

// Reconnect restarts the subscription with a fresh retry budget.
func (s *Session) Reconnect() {
	if s.disposed.Load() || !s.opened.Load() {
		return
	}
	s.conn.Reconnect()
}

// RefreshAccess refetches the reservation now instead of waiting for the next tick.
func (s *Session) RefreshAccess(ctx context.Context) (model.AccessState, error) {
	return s.gate.Refresh(ctx)
}

// Close tears the session down. In-flight operations may still complete, but
// their results no longer reach the session.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.typing.Close()
		s.disposed.Store(true)
		s.cancel()
		s.conn.Close()
		s.wg.Wait()

		s.mu.Lock()
		if s.typingExpiry != nil {
			s.typingExpiry.Stop()
		}
		s.mu.Unlock()
		s.logger.Info("session closed")
	})
}

// sessionSink feeds remote events to the reconciler and notifies listeners.
type sessionSink Session

func (k *sessionSink) ApplyRemoteEvent(kind reconcile.EventKind, msg model.Message) {
	s := (*Session)(k)
	if s.disposed.Load() {
		return
	}
	s.rec.ApplyRemoteEvent(kind, msg)
	s.messagesChanged()
}

func (s *Session) resync(ctx context.Context) {
	history, err := s.store.FetchHistory(ctx, s.viewer, s.partner)
	if err != nil {
		s.logger.Warn("resync after subscribe failed", zap.Error(err))
		return
	}
	if s.disposed.Load() {
		return
	}
	s.rec.ApplyRemoteSnapshot(history)
	s.messagesChanged()
}

func (s *Session) broadcastTyping(isTyping bool) {
	kind := model.TypingStop
	if isTyping {
		kind = model.TypingStart
	}
	ev, err := event.New(event.EventTyping, s.channel, model.TypingIndicator{
		ConversationID: model.ConversationKey(s.viewer, s.partner),
		UserID:         s.viewer,
		Type:           kind,
		IsTyping:       isTyping,
	})
	if err != nil {
		s.logger.Error("encode typing event", zap.Error(err))
		return
	}
	if err := s.conn.Broadcast(ev); err != nil {
		s.logger.Debug("typing not broadcast", zap.String("type", kind), zap.Error(err))
	}
}

func (s *Session) messagesChanged() {
	if s.on.Messages != nil && !s.disposed.Load() {
		s.on.Messages(s.rec.Messages())
	}
}

func (s *Session) accessChanged(state model.AccessState) {
	if s.on.Access != nil && !s.disposed.Load() {
		s.on.Access(state)
	}
}

func (s *Session) connectionChanged(change connection.StateChange) {
	if change.Terminal() {
		s.logger.Error("connection lost, manual refresh required", zap.Error(change.Err))
	}
	if s.on.Connection != nil {
		s.on.Connection(change)
	}
}

func (s *Session) partnerTypingChanged(t model.TypingIndicator) {
	if t.UserID != s.partner {
		return
	}

	s.mu.Lock()
	if s.typingExpiry != nil {
		s.typingExpiry.Stop()
		s.typingExpiry = nil
	}
	changed := s.partnerTyping != t.IsTyping
	s.partnerTyping = t.IsTyping
	if t.IsTyping {
		s.typingExpiry = time.AfterFunc(s.typingTTL, func() {
			s.partnerTypingChanged(model.TypingIndicator{UserID: s.partner, Type: model.TypingStop})
		})
	}
	s.mu.Unlock()

	if changed && s.on.Typing != nil && !s.disposed.Load() {
		s.on.Typing(t.IsTyping)
	}
}

func (s *Session) partnerPresenceChanged(p model.Presence) {
	if p.UserID != s.partner {
		return
	}

	s.mu.Lock()
	changed := s.partnerOnline != p.Online
	s.partnerOnline = p.Online
	s.mu.Unlock()

	if changed && s.on.Presence != nil && !s.disposed.Load() {
		s.on.Presence(p.Online)
	}
}
