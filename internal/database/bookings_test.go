package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"sunbed/internal/domain"
	"sunbed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithSunbedLock_InsertAndConflict(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, false)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(-time.Hour)
	cutoff := now.Add(-models.DefaultPendingTTL)

	first := newBooking(f, start, 2)
	first.CreatedAt = now
	err := db.WithSunbedLock(ctx, f.sunbed.ID, func(tx domain.SlotTx) error {
		assert.Equal(t, f.sunbed.ID, tx.Sunbed().ID)
		conflict, err := tx.HasConflict(ctx, first.StartTime, first.EndTime, cutoff)
		require.NoError(t, err)
		assert.False(t, conflict)

		price, err := tx.GetPrice(ctx, tx.Sunbed().PriceID)
		require.NoError(t, err)
		assert.True(t, price.PricePerHour.Equal(f.price.PricePerHour))

		return tx.InsertBooking(ctx, first)
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, int64(1), first.Version)

	tests := []struct {
		name     string
		start    time.Time
		end      time.Time
		conflict bool
	}{
		{"overlap tail", start.Add(time.Hour), start.Add(3 * time.Hour), true},
		{"contained", start.Add(30 * time.Minute), start.Add(90 * time.Minute), true},
		{"covering", start.Add(-time.Hour), start.Add(4 * time.Hour), true},
		{"touching end", start.Add(2 * time.Hour), start.Add(3 * time.Hour), false},
		{"touching start", start.Add(-time.Hour), start, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.WithSunbedLock(ctx, f.sunbed.ID, func(tx domain.SlotTx) error {
				conflict, err := tx.HasConflict(ctx, tt.start, tt.end, cutoff)
				require.NoError(t, err)
				assert.Equal(t, tt.conflict, conflict)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestHasConflict_PendingTTL(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, false)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	cutoff := now.Add(-models.DefaultPendingTTL)

	stale := newBooking(f, start, 1)
	stale.CreatedAt = now.Add(-16 * time.Minute)
	insertDirect(t, db, stale)

	cancelled := newBooking(f, start, 1)
	cancelled.Status = models.StatusCancelled
	cancelled.CreatedAt = now
	insertDirect(t, db, cancelled)

	check := func() bool {
		var conflict bool
		err := db.WithSunbedLock(ctx, f.sunbed.ID, func(tx domain.SlotTx) error {
			var err error
			conflict, err = tx.HasConflict(ctx, start, start.Add(time.Hour), cutoff)
			return err
		})
		require.NoError(t, err)
		return conflict
	}

	assert.False(t, check(), "stale pending and cancelled rows must not block")

	fresh := newBooking(f, start, 1)
	fresh.CreatedAt = now.Add(-14 * time.Minute)
	insertDirect(t, db, fresh)
	assert.True(t, check(), "fresh pending row blocks")
}

func TestWithSunbedLock_RollbackOnError(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, false)
	ctx := context.Background()
	boom := errors.New("boom")

	b := newBooking(f, time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), 1)
	err := db.WithSunbedLock(ctx, f.sunbed.ID, func(tx domain.SlotTx) error {
		require.NoError(t, tx.InsertBooking(ctx, b))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.GetBooking(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithSunbedLock_UnknownSunbed(t *testing.T) {
	db := setupTestDB(t)
	err := db.WithSunbedLock(context.Background(), 404, func(tx domain.SlotTx) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveBooking_Versioned(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, true)
	ctx := context.Background()

	b := newBooking(f, time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), 1)
	insertDirect(t, db, b)

	loaded, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, loaded.Status)
	assert.True(t, loaded.TotalPrice.Equal(b.TotalPrice))
	require.NotNil(t, loaded.PaymentAccountID)
	assert.Equal(t, f.account.ID, *loaded.PaymentAccountID)
	assert.Nil(t, loaded.PaymentMethodID)
	assert.Nil(t, loaded.AccessCodeValidFrom)

	stale := loaded.Clone()

	validFrom := b.StartTime
	loaded.Status = models.StatusConfirmed
	loaded.PaymentStatus = models.PaymentPaid
	loaded.PaymentID = "pay-1"
	loaded.AccessCode = "123456"
	loaded.AccessCodeValidFrom = &validFrom
	loaded.LockPasswordID = "pwd-1"
	require.NoError(t, db.SaveBooking(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	stale.Status = models.StatusCancelled
	assert.ErrorIs(t, db.SaveBooking(ctx, stale), ErrConcurrentModification)

	reloaded, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, reloaded.Status)
	assert.Equal(t, "pay-1", reloaded.PaymentID)
	assert.Equal(t, "pwd-1", reloaded.LockPasswordID)
	require.NotNil(t, reloaded.AccessCodeValidFrom)
	assert.True(t, validFrom.Equal(*reloaded.AccessCodeValidFrom))
}

func TestBookingQueries(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, true)
	ctx := context.Background()
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	stale := newBooking(f, now.Add(2*time.Hour), 1)
	stale.CreatedAt = now.Add(-20 * time.Minute)
	insertDirect(t, db, stale)

	fresh := newBooking(f, now.Add(4*time.Hour), 1)
	fresh.CreatedAt = now.Add(-5 * time.Minute)
	insertDirect(t, db, fresh)

	overdue := newBooking(f, now.Add(-3*time.Hour), 1)
	overdue.Status = models.StatusConfirmed
	overdue.PaymentStatus = models.PaymentPaid
	overdue.PaymentID = "pay-overdue"
	insertDirect(t, db, overdue)

	closing := newBooking(f, now.Add(-5*time.Hour), 1)
	closing.Status = models.StatusConfirmed
	insertDirect(t, db, closing)
	closing.UserRequestedClose = true
	require.NoError(t, db.SaveBooking(ctx, closing))

	pending, err := db.ListStalePending(ctx, now.Add(-models.DefaultPendingTTL))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)

	candidates, err := db.ListOverdueCandidates(ctx, now)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, closing.ID, candidates[0].ID, "ordered by end time")

	completion, err := db.ListCompletionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, completion, 1)
	assert.Equal(t, closing.ID, completion[0].ID)

	found, err := db.FindBookingByPaymentID(ctx, "pay-overdue", models.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, overdue.ID, found.ID)

	_, err = db.FindBookingByPaymentID(ctx, "pay-overdue", models.PaymentRefundPending)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.TouchLastOverdueCharge(ctx, overdue.ID, now))
	touched, err := db.GetBooking(ctx, overdue.ID)
	require.NoError(t, err)
	require.NotNil(t, touched.LastOverdueChargeAt)
	assert.True(t, now.Equal(*touched.LastOverdueChargeAt))
	assert.Equal(t, overdue.Version, touched.Version, "cache column does not bump the version")

	mine, err := db.GetUserBookings(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 4)
}
