package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sunbed/internal/domain"
	"sunbed/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTaken = errors.New("slot taken")

func TestConcurrentBooking(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, false)
	ctx := context.Background()

	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	cutoff := time.Now().UTC().Add(-models.DefaultPendingTTL)

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	results := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			// overlapping windows of different lengths
			b := newBooking(f, start.Add(time.Duration(id)*time.Minute), 1+id%3)
			b.UserID = int64(id)
			b.CreatedAt = time.Now().UTC()

			results <- db.WithSunbedLock(ctx, f.sunbed.ID, func(tx domain.SlotTx) error {
				conflict, err := tx.HasConflict(ctx, b.StartTime, b.EndTime, cutoff)
				if err != nil {
					return err
				}
				if conflict {
					return errTaken
				}
				return tx.InsertBooking(ctx, b)
			})
		}(i)
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
			continue
		}
		assert.ErrorIs(t, err, errTaken)
	}

	assert.Equal(t, 1, successCount, "only one overlapping booking may win")

	var total int
	for i := 0; i < numGoroutines; i++ {
		bs, err := db.GetUserBookings(ctx, int64(i))
		require.NoError(t, err)
		total += len(bs)
	}
	assert.Equal(t, 1, total)
}

func TestConcurrentSave_OneWriterWins(t *testing.T) {
	db := setupTestDB(t)
	f := seed(t, db, false)
	ctx := context.Background()

	b := newBooking(f, time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC), 1)
	insertDirect(t, db, b)

	const writers = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := b.Clone()
			c.Status = models.StatusCancelled
			errs <- db.SaveBooking(ctx, c)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrConcurrentModification)
	}
	assert.Equal(t, 1, ok)
}
