package domain

import (
	"context"
	"time"

	"sunbed/internal/models"
)

// SlotTx is the view of storage available while a sunbed row is locked.
// Every call runs on the same transaction.
type SlotTx interface {
	Sunbed() *models.Sunbed
	HasConflict(ctx context.Context, start, end, pendingCutoff time.Time) (bool, error)
	GetPrice(ctx context.Context, id int64) (*models.Price, error)
	InsertBooking(ctx context.Context, booking *models.Booking) error
}

type BookingRepository interface {
	// WithSunbedLock serialises slot allocation per sunbed. fn's error rolls the
	// transaction back; nil commits it.
	WithSunbedLock(ctx context.Context, sunbedID int64, fn func(tx SlotTx) error) error
	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	// SaveBooking persists all mutable fields with an optimistic version check.
	SaveBooking(ctx context.Context, booking *models.Booking) error
	FindBookingByPaymentID(ctx context.Context, paymentID, paymentStatus string) (*models.Booking, error)
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Booking, error)
	ListCompletionCandidates(ctx context.Context) ([]*models.Booking, error)
	ListOverdueCandidates(ctx context.Context, now time.Time) ([]*models.Booking, error)
	TouchLastOverdueCharge(ctx context.Context, bookingID int64, at time.Time) error
	GetUserBookings(ctx context.Context, userID int64) ([]*models.Booking, error)
}

type CatalogRepository interface {
	GetSunbed(ctx context.Context, id int64) (*models.Sunbed, error)
	SetSunbedStatus(ctx context.Context, id int64, status string) error
	GetPrice(ctx context.Context, id int64) (*models.Price, error)
	GetPaymentAccount(ctx context.Context, id int64) (*models.PaymentAccount, error)
	FindActivePaymentAccount(ctx context.Context, ownerID int64, provider string) (*models.PaymentAccount, error)
	GetPaymentMethod(ctx context.Context, id int64) (*models.PaymentMethod, error)
	UpsertPaymentMethod(ctx context.Context, method *models.PaymentMethod) error
}

type OverdueRepository interface {
	CreateOverdueCharge(ctx context.Context, charge *models.OverdueCharge) error
	GetOverdueCharge(ctx context.Context, id int64) (*models.OverdueCharge, error)
	LatestOverdueChargeAt(ctx context.Context, bookingID int64) (*time.Time, error)
	HasPendingOverdueCharge(ctx context.Context, bookingID int64) (bool, error)
	SetOverduePaymentID(ctx context.Context, id int64, paymentID string) error
	SetOverdueRefundID(ctx context.Context, id int64, refundID string) error
	DeleteOverdueCharge(ctx context.Context, id int64) error
	MarkOverdueRequiresPayment(ctx context.Context, id int64) (bool, error)
	MarkOverduePaid(ctx context.Context, id int64, at time.Time) (bool, error)
	BeginOverdueRefund(ctx context.Context, id int64) (bool, error)
	RevertOverdueRefund(ctx context.Context, id int64) (bool, error)
	CompleteOverdueRefund(ctx context.Context, id int64, at time.Time) (bool, error)
	FindOverdueByPaymentID(ctx context.Context, paymentID, paymentStatus string) (*models.OverdueCharge, error)
	ListPaidOverdueSince(ctx context.Context, since time.Time) ([]*models.OverdueCharge, error)
}

type Repository interface {
	BookingRepository
	CatalogRepository
	OverdueRepository
}

// SharedState is the small key/value surface shared across processes:
// lock status cache, rate-limit windows, the circuit breaker and dedupe markers.
type SharedState interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	// IncrWindow increments key and starts its expiry on the first hit.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

type LockClient interface {
	CreatePIN(ctx context.Context, lockID string, validFrom, validTo time.Time) (*models.LockPIN, error)
	DeletePIN(ctx context.Context, lockID, passwordID string) error
	QueryStatus(ctx context.Context, lockID string) (*models.LockStatus, error)
	ListRecords(ctx context.Context, lockID string, page, pageSize int) ([]models.LockRecord, error)
	RemoteUnlock(ctx context.Context, lockID string) error
}

type LockStatusReader interface {
	Status(ctx context.Context, lockID string) (*models.LockStatus, error)
}

type PaymentGateway interface {
	CreatePayment(ctx context.Context, account *models.PaymentAccount, req models.PaymentRequest) (*models.GatewayPayment, error)
	GetPayment(ctx context.Context, account *models.PaymentAccount, paymentID string) (*models.GatewayPayment, error)
	RefundPayment(ctx context.Context, account *models.PaymentAccount, paymentID string, metadata map[string]string) (*models.GatewayRefund, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
