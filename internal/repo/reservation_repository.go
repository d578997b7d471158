package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"Parley/internal/model"
)

var ErrInvalidPair = errors.New("invalid user pair: both ids are required")

type reservationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// ReservationRepository reads the bookings that link two users. Reservations
// are owned by the booking service; Create exists for seeding.
type ReservationRepository interface {
	ListReservations(ctx context.Context, userA, userB string) ([]model.Reservation, error)
	Create(ctx context.Context, r model.Reservation) error
}

func NewReservationRepository(db *sqlx.DB, logger *zap.Logger) ReservationRepository {
	return &reservationRepository{
		db:     db,
		logger: logger.Named("reservation_repository"),
	}
}

const selectReservations = `SELECT id, requester_id, provider_id, status,
	CAST(booking_date AS TEXT) AS booking_date,
	CAST(booking_time AS TEXT) AS booking_time,
	duration_hours, payment_id, created_at
FROM reservations
WHERE (requester_id = ? AND provider_id = ?) OR (requester_id = ? AND provider_id = ?)
ORDER BY created_at ASC, id ASC`

// ListReservations returns the reservations between the two users in either
// role, oldest first.
func (r *reservationRepository) ListReservations(ctx context.Context, userA, userB string) ([]model.Reservation, error) {
	if userA == "" || userB == "" {
		return nil, ErrInvalidPair
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	reservations := []model.Reservation{}
	query := r.db.Rebind(selectReservations)
	if err := r.db.SelectContext(ctx, &reservations, query, userA, userB, userB, userA); err != nil {
		r.logger.Error("failed to list reservations",
			zap.String("user_a", userA),
			zap.String("user_b", userB),
			zap.Error(err),
		)
		return nil, fmt.Errorf("list reservations failed: %w", classifyReadError(err))
	}

	r.logger.Debug("reservations retrieved", zap.Int("count", len(reservations)))
	return reservations, nil
}

func (r *reservationRepository) Create(ctx context.Context, res model.Reservation) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	query := `INSERT INTO reservations
		(id, requester_id, provider_id, status, booking_date, booking_time, duration_hours, payment_id, created_at)
		VALUES (:id, :requester_id, :provider_id, :status, :booking_date, :booking_time, :duration_hours, :payment_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, res); err != nil {
		return fmt.Errorf("create reservation failed: %w", err)
	}
	return nil
}
