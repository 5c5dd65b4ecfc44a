package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OverdueCharge is one hourly penalty for a sunbed that was not returned.
type OverdueCharge struct {
	ID               int64           `json:"id"`
	BookingID        int64           `json:"booking_id"`
	PaymentAccountID *int64          `json:"payment_account_id,omitempty"`
	PaymentMethodID  *int64          `json:"payment_method_id,omitempty"`
	Hours            int             `json:"hours"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentID        *string         `json:"payment_id,omitempty"`
	RefundID         string          `json:"refund_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
}

func (c *OverdueCharge) GatewayPaymentID() string {
	if c.PaymentID == nil {
		return ""
	}
	return *c.PaymentID
}
