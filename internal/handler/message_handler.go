package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"Parley/internal/errs"
	"Parley/internal/model"
	"Parley/internal/service"
)

type MessageHandler interface {
	GetHistory(c *gin.Context)
	GetInbox(c *gin.Context)
	SendMessage(c *gin.Context)
	UpdateMessage(c *gin.Context)
	MarkConversationRead(c *gin.Context)
}

type messageHandler struct {
	service service.MessageService
	logger  *zap.Logger
}

func NewMessageHandler(service service.MessageService, logger *zap.Logger) MessageHandler {
	return &messageHandler{
		service: service,
		logger:  logger.Named("message_handler"),
	}
}

// GetHistory returns both directions of one conversation, oldest first.
// GET /api/messages?userA=&userB=
func (h *messageHandler) GetHistory(c *gin.Context) {
	msgs, err := h.service.History(c.Request.Context(), c.Query("userA"), c.Query("userB"))
	if err != nil {
		h.fail(c, "history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": nonNil(msgs),
	})
}

// GET /api/messages/inbox?viewer=
func (h *messageHandler) GetInbox(c *gin.Context) {
	msgs, err := h.service.Inbox(c.Request.Context(), c.Query("viewer"))
	if err != nil {
		h.fail(c, "inbox", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": nonNil(msgs),
	})
}

// SendMessage stores a message. When X-User-Id is present it must name the sender.
// POST /api/messages
func (h *messageHandler) SendMessage(c *gin.Context) {
	var msg model.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		writeError(c, errs.Validation("body", err.Error()))
		return
	}
	if actor := c.GetHeader(ActorHeader); actor != "" && actor != msg.SenderID {
		writeError(c, errs.Permission("send", "sender does not match the caller"))
		return
	}

	saved, err := h.service.Send(c.Request.Context(), msg)
	if err != nil {
		h.fail(c, "send", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": saved,
	})
}

// UpdateMessage applies read or delete flags on behalf of X-User-Id.
// PATCH /api/messages/:id
func (h *messageHandler) UpdateMessage(c *gin.Context) {
	var fields model.MessageUpdate
	if err := c.ShouldBindJSON(&fields); err != nil {
		writeError(c, errs.Validation("body", err.Error()))
		return
	}

	updated, err := h.service.Update(c.Request.Context(), c.GetHeader(ActorHeader), c.Param("id"), fields)
	if err != nil {
		h.fail(c, "update", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": updated,
	})
}

// POST /api/messages/read?partner=
func (h *messageHandler) MarkConversationRead(c *gin.Context) {
	n, err := h.service.MarkConversationRead(c.Request.Context(), c.GetHeader(ActorHeader), c.Query("partner"))
	if err != nil {
		h.fail(c, "mark read", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"marked": n,
	})
}

func (h *messageHandler) fail(c *gin.Context, op string, err error) {
	if errs.IsTransient(err) {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("op", op), zap.Error(err))
	}
	writeError(c, err)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
