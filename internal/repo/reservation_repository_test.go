package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Parley/internal/db"
	"Parley/internal/model"
)

func newReservationRepo(t *testing.T) ReservationRepository {
	t.Helper()
	conn, err := db.OpenSQL("sqlite3", ":memory:")
	require.NoError(t, err)
	// every pooled connection would otherwise get its own empty database
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Exec(db.ReservationSchema)
	require.NoError(t, err)
	return NewReservationRepository(conn, zap.NewNop())
}

func TestListReservationsBothRolesOldestFirst(t *testing.T) {
	r := newReservationRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	payment := "pay_1"

	seed := []model.Reservation{
		{ID: "r2", RequesterID: "bob", ProviderID: "alice", Status: model.ReservationApproved,
			BookingDate: "2025-06-01", BookingTime: "14:00", DurationHours: 3, PaymentID: &payment, CreatedAt: base.Add(time.Hour)},
		{ID: "r1", RequesterID: "alice", ProviderID: "bob", Status: model.ReservationCancelled,
			BookingDate: "2025-05-20", BookingTime: "09:30:00", DurationHours: 1.5, CreatedAt: base},
		{ID: "r3", RequesterID: "alice", ProviderID: "carol", Status: model.ReservationPending,
			BookingDate: "2025-06-02", BookingTime: "10:00", DurationHours: 1, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, res := range seed {
		require.NoError(t, r.Create(ctx, res))
	}

	got, err := r.ListReservations(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "r1", got[0].ID)
	assert.Nil(t, got[0].PaymentID)
	assert.Equal(t, "r2", got[1].ID)
	assert.Equal(t, "2025-06-01", got[1].BookingDate)
	assert.Equal(t, "14:00", got[1].BookingTime)
	assert.InDelta(t, 3.0, got[1].DurationHours, 1e-9)
	assert.True(t, got[1].PaymentLinked())
	assert.True(t, got[1].CreatedAt.Equal(base.Add(time.Hour)))

	swapped, err := r.ListReservations(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, got, swapped)
}

func TestListReservationsEmpty(t *testing.T) {
	r := newReservationRepo(t)

	got, err := r.ListReservations(context.Background(), "alice", "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = r.ListReservations(context.Background(), "", "bob")
	assert.ErrorIs(t, err, ErrInvalidPair)
}

func TestUpdateSetIsMonotonic(t *testing.T) {
	no, yes := false, true
	assert.Empty(t, updateSet(model.MessageUpdate{IsRead: &no, IsDeleted: &no}))

	set := updateSet(model.MessageUpdate{DeletedForAll: &yes})
	assert.Equal(t, true, set["is_deleted"])
	assert.Equal(t, true, set["deleted_for_all"])
	assert.Equal(t, model.TombstoneText, set["content"])
}
