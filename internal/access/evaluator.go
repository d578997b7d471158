// Package access decides whether two users may message each other, based on
// the reservation that links them.
package access

import (
	"strings"
	"time"

	"Parley/internal/model"
)

// Policy holds the business rules that are a product decision rather than structure.
type Policy struct {
	// PaymentAuthorizes lets a reservation with a linked payment open the chat
	// even before its status is confirmed or approved. Cancelled and completed
	// statuses always win over a linked payment.
	PaymentAuthorizes bool

	// Location interprets booking_date and booking_time. Nil means time.Local.
	Location *time.Location
}

// DefaultPolicy matches the marketplace's current behavior.
func DefaultPolicy() Policy {
	return Policy{PaymentAuthorizes: true, Location: time.Local}
}

var timeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02 15:04"}

// Window returns the start and end of the reservation's access window.
func Window(r model.Reservation, loc *time.Location) (start, end time.Time, ok bool) {
	if loc == nil {
		loc = time.Local
	}

	date := strings.TrimSpace(r.BookingDate)
	if len(date) > len("2006-01-02") {
		// tolerate timestamps coming out of DATE columns
		date = date[:len("2006-01-02")]
	}
	clock := strings.TrimSpace(r.BookingTime)
	if i := strings.IndexAny(clock, ".+Z"); i > 0 {
		clock = clock[:i]
	}

	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, date+" "+clock, loc); err == nil {
			start = t
			break
		}
	}
	if start.IsZero() || r.DurationHours < 0 {
		return time.Time{}, time.Time{}, false
	}

	end = start.Add(time.Duration(r.DurationHours * float64(time.Hour)))
	return start, end, true
}

// Evaluate turns the latest reservation between two users into an access decision.
// A nil reservation means none was found.
func Evaluate(r *model.Reservation, now time.Time, policy Policy) model.AccessState {
	if r == nil {
		return model.Locked(model.ReasonNoReservation)
	}

	status := strings.ToLower(strings.TrimSpace(r.Status))
	switch status {
	case model.ReservationCancelled:
		return model.Locked(model.ReasonCancelled)
	case model.ReservationCompleted:
		return model.ReadOnly(model.ReasonSessionEnded)
	}

	confirmed := status == model.ReservationConfirmed || status == model.ReservationApproved
	if !confirmed && !(policy.PaymentAuthorizes && r.PaymentLinked()) {
		return model.Locked(model.ReasonPending)
	}

	start, end, ok := Window(*r, policy.Location)
	if !ok {
		return model.Locked(model.ReasonInvalidSchedule)
	}

	switch {
	case now.Before(start):
		return model.Locked(model.ReasonNotStarted)
	case now.After(end):
		return model.ReadOnly(model.ReasonSessionEnded)
	default:
		return model.Active(end.Sub(now))
	}
}

// Latest returns the most recently created reservation, or nil. Older reservations
// between the same pair are ignored entirely.
func Latest(reservations []model.Reservation) *model.Reservation {
	var latest *model.Reservation
	for i := range reservations {
		r := &reservations[i]
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil
	}
	out := *latest
	return &out
}
