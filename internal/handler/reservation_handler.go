package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"Parley/internal/errs"
	"Parley/internal/model"
	"Parley/internal/service"
)

type ReservationHandler interface {
	GetReservations(c *gin.Context)
	GetAccess(c *gin.Context)
	CreateReservation(c *gin.Context)
}

type reservationHandler struct {
	service service.MessageService
	logger  *zap.Logger
}

func NewReservationHandler(service service.MessageService, logger *zap.Logger) ReservationHandler {
	return &reservationHandler{
		service: service,
		logger:  logger.Named("reservation_handler"),
	}
}

// GET /api/reservations?userA=&userB=
func (h *reservationHandler) GetReservations(c *gin.Context) {
	list, err := h.service.Reservations(c.Request.Context(), c.Query("userA"), c.Query("userB"))
	if err != nil {
		h.logger.Debug("list reservations failed", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservations": nonNil(list),
	})
}

// GetAccess reports what the server would decide for a send between the pair right now.
// GET /api/access?userA=&userB=
func (h *reservationHandler) GetAccess(c *gin.Context) {
	state, latest, err := h.service.Access(c.Request.Context(), c.Query("userA"), c.Query("userB"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access":      state,
		"state":       state.String(),
		"reservation": latest,
	})
}

// POST /api/reservations
func (h *reservationHandler) CreateReservation(c *gin.Context) {
	var r model.Reservation
	if err := c.ShouldBindJSON(&r); err != nil {
		writeError(c, errs.Validation("body", err.Error()))
		return
	}

	created, err := h.service.CreateReservation(c.Request.Context(), r)
	if err != nil {
		h.logger.Warn("create reservation failed", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reservation": created,
	})
}
