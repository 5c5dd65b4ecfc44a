package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sunbed/internal/domain"
	"sunbed/internal/models"
)

const bookingColumns = `id, user_id, sunbed_id, payment_account_id, payment_method_id,
	start_time, end_time, total_price, status, payment_status, payment_id, payment_provider,
	access_code, access_code_valid_from, access_code_valid_to, lock_password_id,
	user_requested_close, user_requested_close_at, lock_closed_confirmed, lock_closed_confirmed_at,
	last_overdue_charge_at, created_at, updated_at, version`

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(
		&b.ID, &b.UserID, &b.SunbedID, &b.PaymentAccountID, &b.PaymentMethodID,
		&b.StartTime, &b.EndTime, &b.TotalPrice, &b.Status, &b.PaymentStatus, &b.PaymentID, &b.PaymentProvider,
		&b.AccessCode, &b.AccessCodeValidFrom, &b.AccessCodeValidTo, &b.LockPasswordID,
		&b.UserRequestedClose, &b.UserRequestedCloseAt, &b.LockClosedConfirmed, &b.LockClosedConfirmedAt,
		&b.LastOverdueChargeAt, &b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...interface{}) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// WithSunbedLock runs fn inside one transaction that holds the sunbed row.
func (db *DB) WithSunbedLock(ctx context.Context, sunbedID int64, fn func(tx domain.SlotTx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sunbed, err := scanSunbed(tx.QueryRowContext(ctx,
		db.q(`SELECT `+sunbedColumns+` FROM sunbeds WHERE id = ?`+db.dialect.rowLock), sunbedID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock sunbed %d: %w", sunbedID, err)
	}

	if err := fn(&slotTx{db: db, tx: tx, sunbed: sunbed}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type slotTx struct {
	db     *DB
	tx     *sql.Tx
	sunbed *models.Sunbed
}

func (s *slotTx) Sunbed() *models.Sunbed { return s.sunbed }

// HasConflict checks the half-open window against confirmed bookings and
// pending ones created at or after pendingCutoff.
func (s *slotTx) HasConflict(ctx context.Context, start, end, pendingCutoff time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM bookings
		WHERE sunbed_id = ?
		AND start_time < ? AND end_time > ?
		AND (status = ? OR (status = ? AND created_at >= ?))`

	var n int
	err := s.tx.QueryRowContext(ctx, s.db.q(query),
		s.sunbed.ID, end.UTC(), start.UTC(),
		models.StatusConfirmed, models.StatusPending, pendingCutoff.UTC(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check conflicts in tx: %w", err)
	}
	return n > 0, nil
}

func (s *slotTx) GetPrice(ctx context.Context, id int64) (*models.Price, error) {
	return getPrice(ctx, s.tx, s.db, id)
}

func (s *slotTx) InsertBooking(ctx context.Context, b *models.Booking) error {
	return insertBooking(ctx, s.tx, s.db, b)
}

func insertBooking(ctx context.Context, ex execer, db *DB, b *models.Booking) error {
	query := `INSERT INTO bookings (
			user_id, sunbed_id, payment_account_id, payment_method_id,
			start_time, end_time, total_price, status, payment_status,
			payment_id, payment_provider, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt
	b.Version = 1

	err := ex.QueryRowContext(ctx, db.q(query),
		b.UserID, b.SunbedID, nullInt(b.PaymentAccountID), nullInt(b.PaymentMethodID),
		b.StartTime.UTC(), b.EndTime.UTC(), b.TotalPrice, b.Status, b.PaymentStatus,
		b.PaymentID, b.PaymentProvider, b.CreatedAt.UTC(), b.UpdatedAt.UTC(), b.Version,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, db.q(`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %d: %w", id, err)
	}
	return b, nil
}

// SaveBooking writes every mutable column in one statement. It fails with
// ErrConcurrentModification when the row moved past b.Version.
// last_overdue_charge_at is owned by the overdue sweep and is not written here.
func (db *DB) SaveBooking(ctx context.Context, b *models.Booking) error {
	query := `UPDATE bookings SET
			payment_account_id = ?, payment_method_id = ?, total_price = ?,
			status = ?, payment_status = ?, payment_id = ?, payment_provider = ?,
			access_code = ?, access_code_valid_from = ?, access_code_valid_to = ?, lock_password_id = ?,
			user_requested_close = ?, user_requested_close_at = ?,
			lock_closed_confirmed = ?, lock_closed_confirmed_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`

	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}

	res, err := db.ExecContext(ctx, db.q(query),
		nullInt(b.PaymentAccountID), nullInt(b.PaymentMethodID), b.TotalPrice,
		b.Status, b.PaymentStatus, b.PaymentID, b.PaymentProvider,
		b.AccessCode, utc(b.AccessCodeValidFrom), utc(b.AccessCodeValidTo), b.LockPasswordID,
		b.UserRequestedClose, utc(b.UserRequestedCloseAt),
		b.LockClosedConfirmed, utc(b.LockClosedConfirmedAt),
		b.UpdatedAt.UTC(), b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save booking %d: %w", b.ID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConcurrentModification
	}
	b.Version++
	return nil
}

func (db *DB) FindBookingByPaymentID(ctx context.Context, paymentID, paymentStatus string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE payment_id = ? AND payment_status = ?
		ORDER BY id DESC LIMIT 1`

	b, err := scanBooking(db.QueryRowContext(ctx, db.q(query), paymentID, paymentStatus))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find booking by payment %s: %w", paymentID, err)
	}
	return b, nil
}

// ListStalePending returns pending bookings created before cutoff.
func (db *DB) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Booking, error) {
	return db.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND created_at < ?
		ORDER BY id`,
		models.StatusPending, cutoff.UTC())
}

// ListCompletionCandidates returns confirmed bookings whose guest asked to
// close the lock but the close has not been observed yet.
func (db *DB) ListCompletionCandidates(ctx context.Context) ([]*models.Booking, error) {
	return db.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND user_requested_close = ? AND lock_closed_confirmed = ?
		ORDER BY id`,
		models.StatusConfirmed, true, false)
}

// ListOverdueCandidates returns confirmed bookings past their end whose lock
// was never confirmed closed.
func (db *DB) ListOverdueCandidates(ctx context.Context, now time.Time) ([]*models.Booking, error) {
	return db.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND end_time < ? AND lock_closed_confirmed = ?
		ORDER BY end_time`,
		models.StatusConfirmed, now.UTC(), false)
}

func (db *DB) TouchLastOverdueCharge(ctx context.Context, bookingID int64, at time.Time) error {
	_, err := db.ExecContext(ctx, db.q(`UPDATE bookings SET last_overdue_charge_at = ? WHERE id = ?`), at.UTC(), bookingID)
	if err != nil {
		return fmt.Errorf("failed to update last overdue charge: %w", err)
	}
	return nil
}

// GetUserBookings returns the bookings of one user, newest first.
func (db *DB) GetUserBookings(ctx context.Context, userID int64) ([]*models.Booking, error) {
	return db.queryBookings(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY start_time DESC`, userID)
}
