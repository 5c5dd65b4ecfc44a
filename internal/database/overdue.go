package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sunbed/internal/models"
)

const overdueColumns = `id, booking_id, payment_account_id, payment_method_id, hours, amount,
	payment_status, payment_id, refund_id, created_at, paid_at, refunded_at`

func scanOverdue(row rowScanner) (*models.OverdueCharge, error) {
	var c models.OverdueCharge
	if err := row.Scan(&c.ID, &c.BookingID, &c.PaymentAccountID, &c.PaymentMethodID, &c.Hours, &c.Amount,
		&c.PaymentStatus, &c.PaymentID, &c.RefundID, &c.CreatedAt, &c.PaidAt, &c.RefundedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateOverdueCharge inserts a charge. A second pending charge for the same
// booking is rejected with ErrDuplicate.
func (db *DB) CreateOverdueCharge(ctx context.Context, c *models.OverdueCharge) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.PaymentStatus == "" {
		c.PaymentStatus = models.PaymentPending
	}
	var paymentID interface{}
	if c.PaymentID != nil {
		paymentID = *c.PaymentID
	}

	query := `INSERT INTO overdue_charges (
			booking_id, payment_account_id, payment_method_id, hours, amount, payment_status, payment_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`

	err := db.QueryRowContext(ctx, db.q(query), c.BookingID, nullInt(c.PaymentAccountID), nullInt(c.PaymentMethodID),
		c.Hours, c.Amount, c.PaymentStatus, paymentID, c.CreatedAt.UTC()).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create overdue charge: %w", err)
	}
	return nil
}

func (db *DB) GetOverdueCharge(ctx context.Context, id int64) (*models.OverdueCharge, error) {
	c, err := scanOverdue(db.QueryRowContext(ctx, db.q(`SELECT `+overdueColumns+` FROM overdue_charges WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get overdue charge %d: %w", id, err)
	}
	return c, nil
}

// LatestOverdueChargeAt returns nil when the booking was never charged.
func (db *DB) LatestOverdueChargeAt(ctx context.Context, bookingID int64) (*time.Time, error) {
	var at time.Time
	err := db.QueryRowContext(ctx,
		db.q(`SELECT created_at FROM overdue_charges WHERE booking_id = ? ORDER BY created_at DESC LIMIT 1`),
		bookingID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest overdue charge: %w", err)
	}
	return &at, nil
}

func (db *DB) HasPendingOverdueCharge(ctx context.Context, bookingID int64) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		db.q(`SELECT COUNT(*) FROM overdue_charges WHERE booking_id = ? AND payment_status = ?`),
		bookingID, models.PaymentPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending overdue charges: %w", err)
	}
	return n > 0, nil
}

func (db *DB) SetOverduePaymentID(ctx context.Context, id int64, paymentID string) error {
	_, err := db.ExecContext(ctx, db.q(`UPDATE overdue_charges SET payment_id = ? WHERE id = ?`), paymentID, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to set overdue payment id: %w", err)
	}
	return nil
}

func (db *DB) SetOverdueRefundID(ctx context.Context, id int64, refundID string) error {
	_, err := db.ExecContext(ctx, db.q(`UPDATE overdue_charges SET refund_id = ? WHERE id = ?`), refundID, id)
	if err != nil {
		return fmt.Errorf("failed to set overdue refund id: %w", err)
	}
	return nil
}

// DeleteOverdueCharge rolls back a charge whose payment could not be created.
func (db *DB) DeleteOverdueCharge(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, db.q(`DELETE FROM overdue_charges WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete overdue charge: %w", err)
	}
	return nil
}

// transitionOverdue moves a charge to "to" only from one of the listed states.
func (db *DB) transitionOverdue(ctx context.Context, id int64, to string, set string, setArg interface{}, from ...string) (bool, error) {
	query := `UPDATE overdue_charges SET payment_status = ?` + set + ` WHERE id = ? AND payment_status IN (`
	args := []interface{}{to}
	if set != "" {
		args = append(args, setArg)
	}
	args = append(args, id)
	for i, s := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, s)
	}
	query += ")"

	res, err := db.ExecContext(ctx, db.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to move overdue charge %d to %s: %w", id, to, err)
	}
	return affected(res)
}

func (db *DB) MarkOverdueRequiresPayment(ctx context.Context, id int64) (bool, error) {
	return db.transitionOverdue(ctx, id, models.PaymentRequiresPayment, "", nil, models.PaymentPending)
}

// MarkOverduePaid is idempotent: an already paid, refunding or refunded
// charge is left untouched.
func (db *DB) MarkOverduePaid(ctx context.Context, id int64, at time.Time) (bool, error) {
	return db.transitionOverdue(ctx, id, models.PaymentPaid, ", paid_at = ?", at.UTC(),
		models.PaymentPending, models.PaymentRequiresPayment)
}

func (db *DB) BeginOverdueRefund(ctx context.Context, id int64) (bool, error) {
	return db.transitionOverdue(ctx, id, models.PaymentRefundPending, "", nil, models.PaymentPaid)
}

func (db *DB) RevertOverdueRefund(ctx context.Context, id int64) (bool, error) {
	return db.transitionOverdue(ctx, id, models.PaymentPaid, "", nil, models.PaymentRefundPending)
}

func (db *DB) CompleteOverdueRefund(ctx context.Context, id int64, at time.Time) (bool, error) {
	return db.transitionOverdue(ctx, id, models.PaymentRefunded, ", refunded_at = ?", at.UTC(),
		models.PaymentRefundPending, models.PaymentPaid)
}

func (db *DB) FindOverdueByPaymentID(ctx context.Context, paymentID, paymentStatus string) (*models.OverdueCharge, error) {
	c, err := scanOverdue(db.QueryRowContext(ctx,
		db.q(`SELECT `+overdueColumns+` FROM overdue_charges WHERE payment_id = ? AND payment_status = ?`),
		paymentID, paymentStatus))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue charge by payment %s: %w", paymentID, err)
	}
	return c, nil
}

// ListPaidOverdueSince returns paid charges created at or after since.
func (db *DB) ListPaidOverdueSince(ctx context.Context, since time.Time) ([]*models.OverdueCharge, error) {
	rows, err := db.QueryContext(ctx,
		db.q(`SELECT `+overdueColumns+` FROM overdue_charges
			WHERE payment_status = ? AND created_at >= ?
			ORDER BY id`),
		models.PaymentPaid, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list paid overdue charges: %w", err)
	}
	defer rows.Close()

	var out []*models.OverdueCharge
	for rows.Next() {
		c, err := scanOverdue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue charge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListBookingOverdueCharges returns every charge of a booking, oldest first.
func (db *DB) ListBookingOverdueCharges(ctx context.Context, bookingID int64) ([]*models.OverdueCharge, error) {
	rows, err := db.QueryContext(ctx,
		db.q(`SELECT `+overdueColumns+` FROM overdue_charges WHERE booking_id = ? ORDER BY created_at`), bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue charges: %w", err)
	}
	defer rows.Close()

	var out []*models.OverdueCharge
	for rows.Next() {
		c, err := scanOverdue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue charge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
