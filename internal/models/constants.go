package models

import "time"

// Booking lifecycle.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Payment lifecycle, shared by bookings and overdue charges.
const (
	PaymentPending         = "pending"
	PaymentPaid            = "paid"
	PaymentFailed          = "failed"
	PaymentRefundPending   = "refund_pending"
	PaymentRefunded        = "refunded"
	PaymentRequiresPayment = "requires_payment"
)

// Sunbed status projection.
const (
	SunbedAvailable   = "available"
	SunbedBooked      = "booked"
	SunbedMaintenance = "maintenance"
)

const (
	ProviderYooKassa = "yookassa"
	MethodBankCard   = "bank_card"
)

// Metadata "type" values attached to gateway payments and refunds.
const (
	MetaTypeBooking       = "booking"
	MetaTypeOverdue       = "overdue"
	MetaTypeOverdueRefund = "overdue_refund"
)

// Reasons an overdue charge can not be collected automatically.
const (
	AutopayMissingAccount       = "missing_payment_account"
	AutopayAccountInactive      = "payment_account_inactive"
	AutopayMissingMethod        = "missing_payment_method"
	AutopayMethodInactive       = "payment_method_inactive"
	AutopayUnsupportedProvider  = "unsupported_provider"
	AutopayMissingExternalID    = "missing_external_id"
	AutopayPaymentCreateFailure = "payment_create_failed"
)

const (
	// DefaultPendingTTL время удержания слота неоплаченной бронью
	DefaultPendingTTL = 15 * time.Minute

	// DefaultOverdueGrace пауза после окончания брони перед первым штрафом
	DefaultOverdueGrace = 5 * time.Minute

	// DefaultOverdueInterval минимальный интервал между штрафами по одной брони
	DefaultOverdueInterval = time.Hour

	// PINLength длина кода доступа к замку
	PINLength = 6
)
