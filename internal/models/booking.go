package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Booking struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	SunbedID         int64           `json:"sunbed_id"`
	PaymentAccountID *int64          `json:"payment_account_id,omitempty"`
	PaymentMethodID  *int64          `json:"payment_method_id,omitempty"`
	StartTime        time.Time       `json:"start_time"`
	EndTime          time.Time       `json:"end_time"`
	TotalPrice       decimal.Decimal `json:"total_price"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentID        string          `json:"payment_id,omitempty"`
	PaymentProvider  string          `json:"payment_provider,omitempty"`

	AccessCode          string     `json:"-"`
	AccessCodeValidFrom *time.Time `json:"access_code_valid_from,omitempty"`
	AccessCodeValidTo   *time.Time `json:"access_code_valid_to,omitempty"`
	LockPasswordID      string     `json:"-"`

	UserRequestedClose    bool       `json:"user_requested_close"`
	UserRequestedCloseAt  *time.Time `json:"user_requested_close_at,omitempty"`
	LockClosedConfirmed   bool       `json:"lock_closed_confirmed"`
	LockClosedConfirmedAt *time.Time `json:"lock_closed_confirmed_at,omitempty"`
	LastOverdueChargeAt   *time.Time `json:"last_overdue_charge_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// IsTerminal reports whether the booking status can no longer change.
func (b *Booking) IsTerminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusCancelled
}

// Overlaps uses half-open intervals: touching windows do not conflict.
func (b *Booking) Overlaps(start, end time.Time) bool {
	return start.Before(b.EndTime) && end.After(b.StartTime)
}

// Blocks reports whether the booking holds its slot at now.
func (b *Booking) Blocks(now time.Time, pendingTTL time.Duration) bool {
	switch b.Status {
	case StatusConfirmed:
		return true
	case StatusPending:
		return !b.CreatedAt.Before(now.Add(-pendingTTL))
	default:
		return false
	}
}

// IsStalePending reports a pending booking whose hold has lapsed.
func (b *Booking) IsStalePending(now time.Time, pendingTTL time.Duration) bool {
	return b.Status == StatusPending && b.CreatedAt.Before(now.Add(-pendingTTL))
}

func (b *Booking) HasAccess() bool {
	return b.AccessCode != "" || b.LockPasswordID != ""
}

// ClearAccess wipes the issued PIN and returns the remote password id that
// still has to be deleted from the lock.
func (b *Booking) ClearAccess() string {
	pwdID := b.LockPasswordID
	b.AccessCode = ""
	b.AccessCodeValidFrom = nil
	b.AccessCodeValidTo = nil
	b.LockPasswordID = ""
	return pwdID
}

// Clone returns a copy safe to mutate without touching the original.
func (b *Booking) Clone() *Booking {
	c := *b
	return &c
}

// AccessCode is what a guest sees for a confirmed booking.
type AccessCode struct {
	BookingID int64     `json:"booking_id"`
	Code      string    `json:"code"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
}
