// Package inbox maintains the viewer's conversation list from the unfiltered
// message stream.
package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"Parley/internal/connection"
	"Parley/internal/errs"
	"Parley/internal/model"
	"Parley/internal/reconcile"
)

// Store returns every message the viewer sent or received.
type Store interface {
	FetchInbox(ctx context.Context, viewer string) ([]model.Message, error)
}

type Config struct {
	ViewerID string

	RetryBase   time.Duration
	RetryMax    time.Duration
	MaxAttempts int

	Logger       *zap.Logger
	OnChange     func([]model.ConversationSummary)
	OnConnection func(connection.StateChange)
}

type group struct {
	first  model.Message
	last   model.Message
	unread int
}

// Aggregator keeps one summary per partner. Every event updates only the group
// it belongs to.
type Aggregator struct {
	viewer   string
	store    Store
	conn     *connection.Manager
	logger   *zap.Logger
	onChange func([]model.ConversationSummary)
	onConn   func(connection.StateChange)

	mu     sync.Mutex
	seen   map[string]model.Message
	groups map[string]*group
	closed bool
}

func New(store Store, subscriber connection.Subscriber, cfg Config) *Aggregator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	a := &Aggregator{
		viewer:   cfg.ViewerID,
		store:    store,
		logger:   cfg.Logger.Named("inbox").With(zap.String("viewer_id", cfg.ViewerID)),
		onChange: cfg.OnChange,
		onConn:   cfg.OnConnection,
		seen:     make(map[string]model.Message),
		groups:   make(map[string]*group),
	}
	a.conn = connection.NewManager(subscriber, a, connection.Config{
		ViewerID:     cfg.ViewerID,
		BaseDelay:    cfg.RetryBase,
		MaxDelay:     cfg.RetryMax,
		MaxAttempts:  cfg.MaxAttempts,
		Logger:       cfg.Logger,
		OnState:      a.connectionChanged,
		OnSubscribed: a.resync,
	})
	return a
}

// Open loads the initial list and starts the subscription, which lives until
// ctx is done or Close is called.
func (a *Aggregator) Open(ctx context.Context) error {
	msgs, err := a.store.FetchInbox(ctx, a.viewer)
	if err != nil {
		return errs.Transient("fetch inbox", err)
	}
	a.Load(msgs)
	a.conn.Start(ctx)
	return nil
}

// Load folds a fetched snapshot into the state. Messages are never hard
// deleted, so a known message missing from msgs is kept: it arrived on the
// stream after the snapshot was taken.
func (a *Aggregator) Load(msgs []model.Message) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	for _, m := range msgs {
		a.rememberLocked(m)
	}
	a.regroupLocked()
	a.mu.Unlock()

	a.changed()
}

// ApplyRemoteEvent folds one insert or update into its partner's summary.
// Updates of unknown messages count as inserts.
func (a *Aggregator) ApplyRemoteEvent(_ reconcile.EventKind, msg model.Message) {
	a.mu.Lock()
	if a.closed || !a.applyLocked(msg) {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.changed()
}

// rememberLocked stores m in seen, merged over any earlier copy. It returns
// the previous copy and whether m belongs to this inbox at all.
func (a *Aggregator) rememberLocked(m model.Message) (merged, prev model.Message, known, ok bool) {
	if m.ID == "" || m.IsTemporary() || (m.SenderID != a.viewer && m.ReceiverID != a.viewer) {
		return m, prev, false, false
	}
	m.Pending = false

	prev, known = a.seen[m.ID]
	if known {
		m = prev.Merge(m)
	} else {
		m = m.Apply(model.MessageUpdate{})
	}
	a.seen[m.ID] = m
	return m, prev, known, true
}

// regroupLocked recomputes every group from seen.
func (a *Aggregator) regroupLocked() {
	a.groups = make(map[string]*group)
	for _, m := range a.seen {
		a.groupLocked(m, model.Message{}, false)
	}
}

func (a *Aggregator) applyLocked(m model.Message) bool {
	m, prev, known, ok := a.rememberLocked(m)
	if !ok {
		return false
	}
	a.groupLocked(m, prev, known)
	return true
}

func (a *Aggregator) groupLocked(m, prev model.Message, known bool) {
	partner := m.Counterpart(a.viewer)
	g, ok := a.groups[partner]
	if !ok {
		g = &group{}
		a.groups[partner] = g
	}

	if known && a.unread(prev) {
		g.unread--
	}
	if a.unread(m) {
		g.unread++
	}
	if g.last.ID == "" || g.last.ID == m.ID || g.last.Before(m) {
		g.last = m
	}
	if g.first.ID == "" || g.first.ID == m.ID || m.Before(g.first) {
		g.first = m
	}
}

func (a *Aggregator) unread(m model.Message) bool {
	return m.ReceiverID == a.viewer && !m.IsRead
}

// Conversations returns one summary per partner, most recent first.
func (a *Aggregator) Conversations() []model.ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Unread is the total unread count across conversations.
func (a *Aggregator) Unread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, g := range a.groups {
		total += g.unread
	}
	return total
}

func (a *Aggregator) snapshotLocked() []model.ConversationSummary {
	out := make([]model.ConversationSummary, 0, len(a.groups))
	for partner, g := range a.groups {
		out = append(out, model.ConversationSummary{
			PartnerID:       partner,
			LastMessage:     g.last,
			UnreadCount:     g.unread,
			FromReservation: g.first.IsBookingOrigin(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].LastMessage.Before(out[i].LastMessage)
	})
	return out
}

func (a *Aggregator) ConnectionState() connection.State { return a.conn.State() }

func (a *Aggregator) Reconnect() { a.conn.Reconnect() }

func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.conn.Close()
}

func (a *Aggregator) resync(ctx context.Context) {
	msgs, err := a.store.FetchInbox(ctx, a.viewer)
	if err != nil {
		a.logger.Warn("resync after subscribe failed", zap.Error(err))
		return
	}
	a.Load(msgs)
}

func (a *Aggregator) changed() {
	if a.onChange == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	list := a.snapshotLocked()
	a.mu.Unlock()
	a.onChange(list)
}

func (a *Aggregator) connectionChanged(change connection.StateChange) {
	if change.Terminal() {
		a.logger.Error("inbox connection lost, manual refresh required", zap.Error(change.Err))
	}
	if a.onConn != nil {
		a.onConn(change)
	}
}
