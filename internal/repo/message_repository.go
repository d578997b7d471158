package repo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"Parley/internal/db"
	"Parley/internal/model"
)

const MessagesCollection = "messages"

var (
	ErrInvalidMessage  = errors.New("invalid message: sender, receiver and content are required")
	ErrMessageNotFound = errors.New("message not found")
	ErrUpdateConflict  = errors.New("message no longer meets the update conditions")
)

// UpdateGuard lists the conditions a message must still meet when an update
// is applied. Zero fields impose nothing.
type UpdateGuard struct {
	ReceiverID string
	SenderID   string
	// Deletable requires the message not to be a system message nor already
	// deleted for everyone.
	Deletable bool
}

type messageRepository struct {
	mongoRepo *db.Repository[model.Message]
	logger    *zap.Logger
	now       func() time.Time
}

type MessageRepository interface {
	FetchHistory(ctx context.Context, userA, userB string) ([]model.Message, error)
	FetchInbox(ctx context.Context, viewer string) ([]model.Message, error)
	Get(ctx context.Context, id string) (model.Message, error)
	Insert(ctx context.Context, msg model.Message) (model.Message, error)
	Update(ctx context.Context, id string, guard UpdateGuard, fields model.MessageUpdate) (model.Message, error)
}

func NewMessageRepository(repo *db.Repository[model.Message], logger *zap.Logger) MessageRepository {
	return &messageRepository{
		mongoRepo: repo,
		logger:    logger.Named("message_repository"),
		now:       time.Now,
	}
}

// EnsureMessageIndexes creates the indexes history and inbox queries rely on.
func EnsureMessageIndexes(ctx context.Context, repo *db.Repository[model.Message]) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return repo.EnsureIndexes(ctx,
		bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}},
		bson.D{{Key: "receiver_id", Value: 1}, {Key: "is_read", Value: 1}},
	)
}

// -----------------------------------------------------------------------------
// FetchHistory - both directions of one conversation, oldest first
// -----------------------------------------------------------------------------
func (m *messageRepository) FetchHistory(ctx context.Context, userA, userB string) ([]model.Message, error) {
	if userA == "" || userB == "" {
		return nil, ErrInvalidMessage
	}
	return m.find(ctx, db.Pair(userA, userB), "fetch history")
}

// -----------------------------------------------------------------------------
// FetchInbox - everything the viewer sent or received, oldest first
// -----------------------------------------------------------------------------
func (m *messageRepository) FetchInbox(ctx context.Context, viewer string) ([]model.Message, error) {
	if viewer == "" {
		return nil, ErrInvalidMessage
	}
	return m.find(ctx, db.Participant(viewer), "fetch inbox")
}

func (m *messageRepository) find(ctx context.Context, filter bson.M, op string) ([]model.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var result []model.Message
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		result, err = m.mongoRepo.FindAll(ctx, filter,
			db.SortSpec{Field: "created_at"},
			db.SortSpec{Field: "_id"},
		)
		return err
	}, func(attempt int, err error) {
		m.logger.Warn("read attempt failed, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		m.logger.Error("read failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s failed: %w", op, classifyReadError(err))
	}

	m.logger.Debug("messages retrieved", zap.String("op", op), zap.Int("count", len(result)))
	return result, nil
}

func (m *messageRepository) Get(ctx context.Context, id string) (model.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	msg, err := m.mongoRepo.FindByID(ctx, id)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message failed: %w", classifyReadError(err))
	}
	return *msg, nil
}

// -----------------------------------------------------------------------------
// Insert - assigns the id and, when missing, the timestamp
// -----------------------------------------------------------------------------
func (m *messageRepository) Insert(ctx context.Context, msg model.Message) (model.Message, error) {
	if msg.SenderID == "" || msg.ReceiverID == "" || msg.Content == "" {
		return model.Message{}, ErrInvalidMessage
	}

	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	// Mongo keeps millisecond precision
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Millisecond)
	msg.Pending = false
	msg.IsRead, msg.IsDeleted, msg.DeletedForAll = false, false, false
	msg.DeletedAt, msg.DeletedBy = nil, nil

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	attempts := 1
	err := withRetry(ctx, func(ctx context.Context) error {
		_, err := m.mongoRepo.Create(ctx, msg)
		// a retried insert whose first attempt landed
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}, func(attempt int, err error) {
		attempts = attempt + 1
		m.logger.Warn("insert attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
		)
	})
	if err != nil {
		m.logger.Error("failed to insert message after all retries",
			zap.Error(err),
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID),
		)
		return model.Message{}, fmt.Errorf("insert message failed: %w", err)
	}

	m.logger.Info("message inserted successfully",
		zap.String("message_id", msg.ID),
		zap.String("sender_id", msg.SenderID),
		zap.Int("attempt", attempts),
	)
	return msg, nil
}

// -----------------------------------------------------------------------------
// Update - only ever sets flags to true; deleting for everyone also replaces
// the stored content with the tombstone. The guard is part of the filter, so
// a message that changed since it was checked is left alone.
// -----------------------------------------------------------------------------
func (m *messageRepository) Update(ctx context.Context, id string, guard UpdateGuard, fields model.MessageUpdate) (model.Message, error) {
	set := updateSet(fields)
	if id == "" || len(set) == 0 {
		return model.Message{}, ErrInvalidMessage
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := guardFilter(id, guard)
	var updated *model.Message
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		updated, err = m.mongoRepo.FindOneAndSet(ctx, filter, set)
		return err
	}, func(attempt int, err error) {
		m.logger.Warn("update attempt failed, retrying", zap.String("message_id", id), zap.Int("attempt", attempt), zap.Error(err))
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.mongoRepo.FindByID(ctx, id); getErr == nil {
			m.logger.Info("update guard rejected", zap.String("message_id", id))
			return model.Message{}, ErrUpdateConflict
		}
		return model.Message{}, ErrMessageNotFound
	}
	if err != nil {
		m.logger.Error("failed to update message", zap.String("message_id", id), zap.Error(err))
		return model.Message{}, fmt.Errorf("update message failed: %w", err)
	}

	m.logger.Debug("message updated", zap.String("message_id", id), zap.Any("fields", set))
	return *updated, nil
}

var systemContent = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(model.SystemMessagePrefix)}

func guardFilter(id string, g UpdateGuard) bson.M {
	f := db.NewFilter().Eq("_id", id)
	if g.ReceiverID != "" {
		f.Eq("receiver_id", g.ReceiverID)
	}
	if g.SenderID != "" {
		f.Eq("sender_id", g.SenderID)
	}
	if g.Deletable {
		f.Ne("deleted_for_all", true).Eq("content", bson.M{"$not": systemContent})
	}
	return f.Build()
}

func updateSet(u model.MessageUpdate) bson.M {
	set := bson.M{}
	if u.IsRead != nil && *u.IsRead {
		set["is_read"] = true
	}
	if u.IsDeleted != nil && *u.IsDeleted {
		set["is_deleted"] = true
	}
	if u.DeletedForAll != nil && *u.DeletedForAll {
		set["is_deleted"] = true
		set["deleted_for_all"] = true
		set["content"] = model.TombstoneText
	}
	if u.DeletedAt != nil {
		set["deleted_at"] = u.DeletedAt.UTC()
	}
	if u.DeletedBy != nil {
		set["deleted_by"] = *u.DeletedBy
	}
	return set
}
