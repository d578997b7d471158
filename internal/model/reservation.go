package model

import "time"

// Reservation statuses
const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationApproved  = "approved"
	ReservationCancelled = "cancelled"
	ReservationCompleted = "completed"
)

// Reservation is the booking that authorizes two users to talk. Read-only here.
type Reservation struct {
	ID            string    `json:"id" db:"id"`
	RequesterID   string    `json:"requester_id" db:"requester_id"`
	ProviderID    string    `json:"provider_id" db:"provider_id"`
	Status        string    `json:"status" db:"status"`
	BookingDate   string    `json:"booking_date" db:"booking_date"` // YYYY-MM-DD
	BookingTime   string    `json:"booking_time" db:"booking_time"` // HH:MM or HH:MM:SS
	DurationHours float64   `json:"duration_hours" db:"duration_hours"`
	PaymentID     *string   `json:"payment_id" db:"payment_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PaymentLinked reports whether a payment has been attached to the reservation.
func (r Reservation) PaymentLinked() bool {
	return r.PaymentID != nil && *r.PaymentID != ""
}
