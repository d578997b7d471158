package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Parley/internal/access"
	"Parley/internal/errs"
	"Parley/internal/event"
	"Parley/internal/model"
	"Parley/internal/repo"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
)

var now = time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC)

type memMessages struct {
	mu     sync.Mutex
	byID   map[string]model.Message
	order  []string
	seq    int
	failOn string

	// beforeUpdate rewrites the stored message between the check and the write
	beforeUpdate func(model.Message) model.Message
}

func newMemMessages() *memMessages {
	return &memMessages{byID: map[string]model.Message{}}
}

func (m *memMessages) add(msg model.Message) model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		m.seq++
		msg.ID = fmt.Sprintf("m%d", m.seq)
	}
	m.byID[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	return msg
}

func (m *memMessages) FetchHistory(_ context.Context, a, b string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, id := range m.order {
		if msg := m.byID[id]; msg.Involves(a, b) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) FetchInbox(_ context.Context, viewer string) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, id := range m.order {
		if msg := m.byID[id]; msg.SenderID == viewer || msg.ReceiverID == viewer {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) Get(_ context.Context, id string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return model.Message{}, repo.ErrMessageNotFound
	}
	return msg, nil
}

func (m *memMessages) Insert(_ context.Context, msg model.Message) (model.Message, error) {
	if m.failOn == "insert" {
		return model.Message{}, errors.New("mongo unreachable")
	}
	msg.ID = ""
	return m.add(msg), nil
}

func (m *memMessages) Update(_ context.Context, id string, guard repo.UpdateGuard, fields model.MessageUpdate) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return model.Message{}, repo.ErrMessageNotFound
	}
	if m.beforeUpdate != nil {
		msg = m.beforeUpdate(msg)
		m.byID[id] = msg
	}
	if (guard.ReceiverID != "" && msg.ReceiverID != guard.ReceiverID) ||
		(guard.SenderID != "" && msg.SenderID != guard.SenderID) ||
		(guard.Deletable && (msg.DeletedForAll || msg.IsSystem())) {
		return model.Message{}, repo.ErrUpdateConflict
	}
	msg = msg.Apply(fields)
	m.byID[id] = msg
	return msg, nil
}

type memReservations struct {
	list    []model.Reservation
	created []model.Reservation
	err     error
}

func (r *memReservations) ListReservations(context.Context, string, string) ([]model.Reservation, error) {
	return r.list, r.err
}

func (r *memReservations) Create(_ context.Context, res model.Reservation) error {
	r.created = append(r.created, res)
	return nil
}

type published struct {
	name string
	msg  model.Message
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishMessage(name string, msg model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{name, msg})
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type fixture struct {
	svc          MessageService
	messages     *memMessages
	reservations *memReservations
	pub          *recordingPublisher
}

func approved(status string) model.Reservation {
	return model.Reservation{
		ID: "r1", RequesterID: alice, ProviderID: bob, Status: status,
		BookingDate: "2025-06-01", BookingTime: "14:00", DurationHours: 3,
		CreatedAt: now.Add(-24 * time.Hour),
	}
}

func newFixture(reservations ...model.Reservation) *fixture {
	f := &fixture{
		messages:     newMemMessages(),
		reservations: &memReservations{list: reservations},
		pub:          &recordingPublisher{},
	}
	f.svc = NewMessageService(f.messages, f.reservations, f.pub, MessageServiceConfig{
		Policy: access.Policy{PaymentAuthorizes: true, Location: time.UTC},
		Now:    func() time.Time { return now },
	}, zap.NewNop())
	return f
}

func TestSendStoresAndPublishes(t *testing.T) {
	f := newFixture(approved(model.ReservationApproved))

	saved, err := f.svc.Send(context.Background(), model.Message{SenderID: alice, ReceiverID: bob, Content: "  hi  ", ID: "temp-x"})
	require.NoError(t, err)

	assert.NotEqual(t, "temp-x", saved.ID)
	assert.Equal(t, "hi", saved.Content)
	assert.True(t, saved.CreatedAt.Equal(now))

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, event.EventMessageInsert, events[0].name)
	assert.Equal(t, saved.ID, events[0].msg.ID)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(approved(model.ReservationApproved))
	long := make([]rune, DefaultMaxContentLength+1)
	for i := range long {
		long[i] = 'é'
	}

	cases := map[string]model.Message{
		"empty":     {SenderID: alice, ReceiverID: bob, Content: "   "},
		"too long":  {SenderID: alice, ReceiverID: bob, Content: string(long)},
		"self":      {SenderID: alice, ReceiverID: alice, Content: "hi"},
		"bad id":    {SenderID: alice, ReceiverID: "bob", Content: "hi"},
		"forged":    {SenderID: alice, ReceiverID: bob, Content: model.SystemMessagePrefix + "refund issued"},
		"no sender": {ReceiverID: bob, Content: "hi"},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), msg)
			assert.True(t, errs.IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, f.pub.all())
}

func TestSendDeniedOutsideWindow(t *testing.T) {
	cases := map[string]struct {
		reservations []model.Reservation
		reason       string
	}{
		"none":      {nil, model.ReasonNoReservation},
		"cancelled": {[]model.Reservation{approved(model.ReservationCancelled)}, model.ReasonCancelled},
		"completed": {[]model.Reservation{approved(model.ReservationCompleted)}, model.ReasonSessionEnded},
		"pending":   {[]model.Reservation{approved(model.ReservationPending)}, model.ReasonPending},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(tc.reservations...)
			_, err := f.svc.Send(context.Background(), model.Message{SenderID: alice, ReceiverID: bob, Content: "hi"})
			require.True(t, errs.IsAccessDenied(err), "got %v", err)
			assert.Equal(t, tc.reason, errs.Reason(err))
			assert.Empty(t, f.messages.order)
		})
	}
}

func TestSendReservationLookupFailureIsTransient(t *testing.T) {
	f := newFixture()
	f.reservations.err = errors.New("db down")

	_, err := f.svc.Send(context.Background(), model.Message{SenderID: alice, ReceiverID: bob, Content: "hi"})
	assert.True(t, errs.IsTransient(err))
}

func TestSendStoreFailureIsTransient(t *testing.T) {
	f := newFixture(approved(model.ReservationApproved))
	f.messages.failOn = "insert"

	_, err := f.svc.Send(context.Background(), model.Message{SenderID: alice, ReceiverID: bob, Content: "hi"})
	assert.True(t, errs.IsTransient(err))
	assert.Empty(t, f.pub.all())
}

func TestUpdateOwnership(t *testing.T) {
	f := newFixture()
	msg := f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: "hi", CreatedAt: now})
	system := f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: model.BookingMessagePrefix + "r1", CreatedAt: now})
	yes := true
	ctx := context.Background()

	_, err := f.svc.Update(ctx, alice, msg.ID, model.MessageUpdate{IsRead: &yes})
	assert.True(t, errs.IsPermission(err), "sender cannot mark read")

	_, err = f.svc.Update(ctx, bob, msg.ID, model.MessageUpdate{IsDeleted: &yes})
	assert.True(t, errs.IsPermission(err), "receiver cannot delete")

	_, err = f.svc.Update(ctx, alice, system.ID, model.MessageUpdate{DeletedForAll: &yes})
	assert.True(t, errs.IsPermission(err), "system messages stay")

	_, err = f.svc.Update(ctx, alice, "missing", model.MessageUpdate{IsDeleted: &yes})
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, errs.CodeNotFound, errs.Code(err))

	_, err = f.svc.Update(ctx, alice, msg.ID, model.MessageUpdate{})
	assert.True(t, errs.IsValidation(err))

	assert.Empty(t, f.pub.all())
}

func TestUpdateDeleteForAll(t *testing.T) {
	f := newFixture()
	msg := f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: "secret", CreatedAt: now})
	yes := true
	ctx := context.Background()

	updated, err := f.svc.Update(ctx, alice, msg.ID, model.MessageUpdate{IsDeleted: &yes, DeletedForAll: &yes})
	require.NoError(t, err)
	assert.True(t, updated.DeletedForAll)
	assert.Equal(t, model.TombstoneText, updated.Content)
	require.NotNil(t, updated.DeletedBy)
	assert.Equal(t, alice, *updated.DeletedBy)
	require.NotNil(t, updated.DeletedAt)
	assert.True(t, updated.DeletedAt.Equal(now))

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, event.EventMessageUpdate, events[0].name)

	_, err = f.svc.Update(ctx, alice, msg.ID, model.MessageUpdate{IsDeleted: &yes})
	assert.True(t, errs.IsPermission(err))
}

func TestUpdateAlreadyReadIsNoop(t *testing.T) {
	f := newFixture()
	msg := f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: "hi", CreatedAt: now, IsRead: true})
	yes := true

	got, err := f.svc.Update(context.Background(), bob, msg.ID, model.MessageUpdate{IsRead: &yes})
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Empty(t, f.pub.all())
}

func TestMarkConversationRead(t *testing.T) {
	f := newFixture()
	f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: "one", CreatedAt: now})
	f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: "two", CreatedAt: now, IsRead: true})
	f.messages.add(model.Message{SenderID: bob, ReceiverID: alice, Content: "mine", CreatedAt: now})

	n, err := f.svc.MarkConversationRead(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := f.svc.History(context.Background(), alice, bob)
	require.NoError(t, err)
	for _, m := range history {
		if m.ReceiverID == bob {
			assert.True(t, m.IsRead)
		} else {
			assert.False(t, m.IsRead)
		}
	}
}

func TestAccessUsesLatestReservation(t *testing.T) {
	older := approved(model.ReservationApproved)
	newer := approved(model.ReservationCancelled)
	newer.ID = "r2"
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	f := newFixture(older, newer)

	state, latest, err := f.svc.Access(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, model.AccessLocked, state.Kind)
	require.NotNil(t, latest)
	assert.Equal(t, "r2", latest.ID)

	f = newFixture(older)
	state, _, err = f.svc.Access(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.True(t, state.IsActive())
	assert.Equal(t, 90*time.Minute, state.Remaining)
}

func TestCreateReservationOpensConversation(t *testing.T) {
	f := newFixture()

	res, err := f.svc.CreateReservation(context.Background(), model.Reservation{
		RequesterID: alice, ProviderID: bob, BookingDate: "2025-06-02", BookingTime: "10:00", DurationHours: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, model.ReservationPending, res.Status)
	require.Len(t, f.reservations.created, 1)

	history, err := f.svc.History(context.Background(), bob, alice)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsBookingOrigin())
	assert.Len(t, f.pub.all(), 1)

	_, err = f.svc.CreateReservation(context.Background(), model.Reservation{
		RequesterID: alice, ProviderID: bob, BookingDate: "tomorrow", BookingTime: "10:00", DurationHours: 1,
	})
	assert.True(t, errs.IsValidation(err))
}

func TestCreateReservationIgnoresClientStatusAndPayment(t *testing.T) {
	f := newFixture()
	paid := "pay-123"

	res, err := f.svc.CreateReservation(context.Background(), model.Reservation{
		ID: "chosen-by-client", RequesterID: alice, ProviderID: bob, Status: model.ReservationConfirmed,
		BookingDate: "2025-06-01", BookingTime: "15:00", DurationHours: 3, PaymentID: &paid,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReservationPending, res.Status)
	assert.Nil(t, res.PaymentID)
	assert.NotEqual(t, "chosen-by-client", res.ID)

	require.Len(t, f.reservations.created, 1)
	stored := f.reservations.created[0]
	assert.Equal(t, model.ReservationPending, stored.Status)
	assert.False(t, stored.PaymentLinked())

	f.reservations.list = f.reservations.created
	state, _, err := f.svc.Access(context.Background(), alice, bob)
	require.NoError(t, err)
	assert.Equal(t, model.Locked(model.ReasonPending), state)

	_, err = f.svc.Send(context.Background(), model.Message{SenderID: alice, ReceiverID: bob, Content: "hi"})
	assert.True(t, errs.IsAccessDenied(err))
}

func TestUpdateRechecksConditionsAtWrite(t *testing.T) {
	f := newFixture()
	msg := f.messages.add(model.Message{SenderID: alice, ReceiverID: bob, Content: "hi", CreatedAt: now})
	yes := true

	// another request deletes it for everyone after the permission check
	f.messages.beforeUpdate = func(m model.Message) model.Message {
		return m.Apply(model.MessageUpdate{DeletedForAll: &yes})
	}

	_, err := f.svc.Update(context.Background(), alice, msg.ID, model.MessageUpdate{DeletedForAll: &yes})
	assert.True(t, errs.IsPermission(err))
	assert.Empty(t, f.pub.all())
}
