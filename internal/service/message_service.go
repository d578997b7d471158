package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"Parley/internal/access"
	"Parley/internal/errs"
	"Parley/internal/event"
	"Parley/internal/model"
	"Parley/internal/repo"
)

const DefaultMaxContentLength = 2000

// Publisher fans stored messages out to live subscribers.
type Publisher interface {
	PublishMessage(name string, msg model.Message)
}

// MessageService is the server side of the message store. It enforces the
// same rules the client engine applies locally, so a client that skips them
// still cannot write what it should not.
type MessageService interface {
	History(ctx context.Context, userA, userB string) ([]model.Message, error)
	Inbox(ctx context.Context, viewer string) ([]model.Message, error)
	Send(ctx context.Context, msg model.Message) (model.Message, error)
	Update(ctx context.Context, actor, id string, fields model.MessageUpdate) (model.Message, error)
	MarkConversationRead(ctx context.Context, actor, partner string) (int, error)
	Reservations(ctx context.Context, userA, userB string) ([]model.Reservation, error)
	Access(ctx context.Context, userA, userB string) (model.AccessState, *model.Reservation, error)
	CreateReservation(ctx context.Context, r model.Reservation) (model.Reservation, error)
}

type MessageServiceConfig struct {
	Policy           access.Policy
	MaxContentLength int
	Now              func() time.Time
}

type messageService struct {
	messages     repo.MessageRepository
	reservations repo.ReservationRepository
	publisher    Publisher
	policy       access.Policy
	maxContent   int
	now          func() time.Time
	logger       *zap.Logger
}

func NewMessageService(messages repo.MessageRepository, reservations repo.ReservationRepository, publisher Publisher, cfg MessageServiceConfig, logger *zap.Logger) MessageService {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultMaxContentLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &messageService{
		messages:     messages,
		reservations: reservations,
		publisher:    publisher,
		policy:       cfg.Policy,
		maxContent:   cfg.MaxContentLength,
		now:          cfg.Now,
		logger:       logger.Named("message_service"),
	}
}

func validUser(field, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errs.Validation(field, "must be a uuid")
	}
	return nil
}

func validPair(a, b string) error {
	if err := validUser("userA", a); err != nil {
		return err
	}
	if err := validUser("userB", b); err != nil {
		return err
	}
	if a == b {
		return errs.Validation("userB", "must differ from userA")
	}
	return nil
}

func (s *messageService) History(ctx context.Context, userA, userB string) ([]model.Message, error) {
	if err := validPair(userA, userB); err != nil {
		return nil, err
	}
	msgs, err := s.messages.FetchHistory(ctx, userA, userB)
	if err != nil {
		return nil, errs.Transient("fetch history", err)
	}
	return msgs, nil
}

func (s *messageService) Inbox(ctx context.Context, viewer string) ([]model.Message, error) {
	if err := validUser("viewer", viewer); err != nil {
		return nil, err
	}
	msgs, err := s.messages.FetchInbox(ctx, viewer)
	if err != nil {
		return nil, errs.Transient("fetch inbox", err)
	}
	return msgs, nil
}

func (s *messageService) Reservations(ctx context.Context, userA, userB string) ([]model.Reservation, error) {
	if err := validPair(userA, userB); err != nil {
		return nil, err
	}
	list, err := s.reservations.ListReservations(ctx, userA, userB)
	if err != nil {
		return nil, errs.Transient("list reservations", err)
	}
	return list, nil
}

// Access evaluates the latest reservation between the pair at the current time.
func (s *messageService) Access(ctx context.Context, userA, userB string) (model.AccessState, *model.Reservation, error) {
	list, err := s.Reservations(ctx, userA, userB)
	if err != nil {
		return model.Locked(model.ReasonUnavailable), nil, err
	}
	latest := access.Latest(list)
	return access.Evaluate(latest, s.now(), s.policy), latest, nil
}

// Send stores a new message from msg.SenderID to msg.ReceiverID and publishes
// it. The store assigns the id and the timestamp.
func (s *messageService) Send(ctx context.Context, msg model.Message) (model.Message, error) {
	msg.Content = strings.TrimSpace(msg.Content)
	switch {
	case msg.Content == "":
		return model.Message{}, errs.Validation("content", "must not be empty")
	case utf8.RuneCountInString(msg.Content) > s.maxContent:
		return model.Message{}, errs.Validation("content", "is too long")
	case msg.IsSystem():
		return model.Message{}, errs.Validation("content", "uses a reserved prefix")
	}
	if err := validUser("sender_id", msg.SenderID); err != nil {
		return model.Message{}, err
	}
	if err := validUser("receiver_id", msg.ReceiverID); err != nil {
		return model.Message{}, err
	}
	if msg.SenderID == msg.ReceiverID {
		return model.Message{}, errs.Validation("receiver_id", "cannot message yourself")
	}

	state, _, err := s.Access(ctx, msg.SenderID, msg.ReceiverID)
	if err != nil {
		return model.Message{}, err
	}
	if !state.IsActive() {
		s.logger.Info("send denied",
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID),
			zap.String("reason", state.Reason))
		return model.Message{}, errs.AccessDenied(state.Reason)
	}

	saved, err := s.messages.Insert(ctx, model.Message{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return model.Message{}, errs.Transient("send", err)
	}

	s.publisher.PublishMessage(event.EventMessageInsert, saved)
	return saved, nil
}

// Update applies monotonic flag changes made by actor. Only the receiver may
// mark a message read; only the sender may delete it, and never a system
// message or one already deleted for everyone.
func (s *messageService) Update(ctx context.Context, actor, id string, fields model.MessageUpdate) (model.Message, error) {
	if err := validUser("actor", actor); err != nil {
		return model.Message{}, err
	}
	if id == "" {
		return model.Message{}, errs.Validation("id", "is required")
	}
	if fields.IsEmpty() {
		return model.Message{}, errs.Validation("fields", "nothing to update")
	}

	current, err := s.messages.Get(ctx, id)
	if errors.Is(err, repo.ErrMessageNotFound) {
		return model.Message{}, errs.NotFound("message " + id)
	}
	if err != nil {
		return model.Message{}, errs.Transient("update", err)
	}

	isTrue := func(b *bool) bool { return b != nil && *b }
	markRead := isTrue(fields.IsRead)
	deleting := isTrue(fields.IsDeleted) || isTrue(fields.DeletedForAll)

	if markRead && current.ReceiverID != actor {
		return model.Message{}, errs.Permission("mark read", "only the receiver can mark a message read")
	}

	set := model.MessageUpdate{}
	guard := repo.UpdateGuard{}
	if markRead && !current.IsRead {
		set.IsRead = fields.IsRead
		guard.ReceiverID = actor
	}
	if deleting {
		switch {
		case current.SenderID != actor:
			return model.Message{}, errs.Permission("delete", "only the sender can delete a message")
		case current.IsSystem():
			return model.Message{}, errs.Permission("delete", "system messages cannot be deleted")
		case current.DeletedForAll:
			return model.Message{}, errs.Permission("delete", "message was already deleted for everyone")
		}
		at := s.now().UTC()
		if fields.DeletedAt != nil {
			at = fields.DeletedAt.UTC()
		}
		set.IsDeleted = fields.IsDeleted
		set.DeletedForAll = fields.DeletedForAll
		guard.SenderID = actor
		guard.Deletable = true
		if current.DeletedAt == nil {
			set.DeletedAt = &at
		}
		if current.DeletedBy == nil {
			set.DeletedBy = &actor
		}
	}

	if set.IsEmpty() {
		return current, nil
	}

	updated, err := s.messages.Update(ctx, id, guard, set)
	if errors.Is(err, repo.ErrMessageNotFound) {
		return model.Message{}, errs.NotFound("message " + id)
	}
	if errors.Is(err, repo.ErrUpdateConflict) {
		return model.Message{}, errs.Permission("update", "message changed meanwhile, reload and retry")
	}
	if err != nil {
		return model.Message{}, errs.Transient("update", err)
	}

	s.publisher.PublishMessage(event.EventMessageUpdate, updated)
	return updated, nil
}

// MarkConversationRead marks every unread message partner sent to actor.
func (s *messageService) MarkConversationRead(ctx context.Context, actor, partner string) (int, error) {
	history, err := s.History(ctx, actor, partner)
	if err != nil {
		return 0, err
	}

	unread := Filter(history, func(m model.Message) bool {
		return m.ReceiverID == actor && !m.IsRead
	})

	yes := true
	marked := 0
	for _, m := range unread {
		updated, err := s.messages.Update(ctx, m.ID, repo.UpdateGuard{ReceiverID: actor}, model.MessageUpdate{IsRead: &yes})
		if err != nil {
			s.logger.Warn("mark read failed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		s.publisher.PublishMessage(event.EventMessageUpdate, updated)
		marked++
	}
	return marked, nil
}

// CreateReservation records a pending booking and opens the conversation
// with the booking system message. Client-sent ids, statuses and payments
// are ignored.
func (s *messageService) CreateReservation(ctx context.Context, r model.Reservation) (model.Reservation, error) {
	if err := validUser("requester_id", r.RequesterID); err != nil {
		return model.Reservation{}, err
	}
	if err := validUser("provider_id", r.ProviderID); err != nil {
		return model.Reservation{}, err
	}
	if r.RequesterID == r.ProviderID {
		return model.Reservation{}, errs.Validation("provider_id", "must differ from requester_id")
	}
	if r.DurationHours <= 0 {
		return model.Reservation{}, errs.Validation("duration_hours", "must be positive")
	}
	if _, _, ok := access.Window(r, s.policy.Location); !ok {
		return model.Reservation{}, errs.Validation("booking_date", "invalid date or time")
	}

	// status and payment move forward only through the booking flow
	r.ID = uuid.NewString()
	r.Status = model.ReservationPending
	r.PaymentID = nil
	r.CreatedAt = s.now().UTC()

	if err := s.reservations.Create(ctx, r); err != nil {
		return model.Reservation{}, errs.Transient("create reservation", err)
	}

	notice, err := s.messages.Insert(ctx, model.Message{
		SenderID:   r.RequesterID,
		ReceiverID: r.ProviderID,
		Content:    model.BookingMessagePrefix + r.ID,
		CreatedAt:  r.CreatedAt,
	})
	if err != nil {
		// the reservation stands without its opening message
		s.logger.Warn("booking message not stored", zap.String("reservation_id", r.ID), zap.Error(err))
		return r, nil
	}
	s.publisher.PublishMessage(event.EventMessageInsert, notice)
	return r, nil
}
