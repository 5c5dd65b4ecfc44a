package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockPIN is a keyboard password registered on a lock.
type LockPIN struct {
	Code       string
	PasswordID string
}

type LockStatus struct {
	LockID string `json:"lock_id"`
	Locked bool   `json:"locked"`
	// Cached is true when the answer came from the status cache.
	Cached bool `json:"cached"`
}

type LockRecord struct {
	RecordID    int64     `json:"record_id"`
	RecordType  int       `json:"record_type"`
	Success     bool      `json:"success"`
	Username    string    `json:"username,omitempty"`
	KeyboardPwd string    `json:"keyboard_pwd,omitempty"`
	LockDate    time.Time `json:"lock_date"`
}

// PaymentRequest describes a payment to create at the gateway. Either
// PaymentMethodID (merchant initiated) or ReturnURL (redirect) is set.
type PaymentRequest struct {
	Amount            decimal.Decimal
	Description       string
	Metadata          map[string]string
	PaymentMethodID   string
	ReturnURL         string
	SavePaymentMethod bool
	Capture           bool
}

type GatewayPayment struct {
	ID              string
	Status          string
	Amount          decimal.Decimal
	Currency        string
	ConfirmationURL string
}

type GatewayRefund struct {
	ID        string
	PaymentID string
	Status    string
	Amount    decimal.Decimal
}
