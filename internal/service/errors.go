package service

import (
	"context"
	"errors"

	"sunbed/internal/database"
	"sunbed/internal/lockstatus"
	"sunbed/internal/ttlock"
	"sunbed/internal/yookassa"
)

var (
	ErrSlotConflict            = errors.New("time slot already booked")
	ErrInvalidWindow           = errors.New("invalid time range")
	ErrInvalidPrice            = errors.New("invalid or inactive price")
	ErrInvalidTransition       = errors.New("invalid booking state transition")
	ErrLockQueryFailed         = errors.New("lock status query failed")
	ErrNotPaid                 = errors.New("charge is not paid")
	ErrInvalidAccount          = errors.New("payment account missing or inactive")
	ErrPaymentAlreadyInitiated = errors.New("payment already initiated")
	ErrAlreadyPaid             = errors.New("booking already paid")
	ErrBookingExpired          = errors.New("booking expired")
	ErrForbidden               = errors.New("forbidden")
	ErrTooManyRequests         = errors.New("too many requests")
	ErrNoAccessCode            = errors.New("access code not available")
	ErrAccessNotActive         = errors.New("access code not active yet")
	ErrAccessExpired           = errors.New("access code expired")
	ErrExternalUnavailable     = errors.New("external service unavailable")
	ErrNotFound                = database.ErrNotFound
)

// Kind groups errors for callers that translate them, e.g. into HTTP codes.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindForbidden
	KindConflict
	KindInvalidTransition
	KindDataInconsistency
	KindRateLimited
	KindExternalUnavailable
	KindExternalRejected
)

// Classify maps any error returned by this package to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidWindow):
		return KindInvalidInput
	case errors.Is(err, database.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrSlotConflict),
		errors.Is(err, ErrPaymentAlreadyInitiated),
		errors.Is(err, ErrAlreadyPaid),
		errors.Is(err, database.ErrConcurrentModification),
		errors.Is(err, database.ErrDuplicate):
		return KindConflict
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrBookingExpired),
		errors.Is(err, ErrNotPaid),
		errors.Is(err, ErrAccessNotActive),
		errors.Is(err, ErrAccessExpired):
		return KindInvalidTransition
	case errors.Is(err, ErrNoAccessCode):
		return KindNotFound
	case errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, yookassa.ErrAccount):
		return KindDataInconsistency
	case errors.Is(err, ErrTooManyRequests):
		return KindRateLimited
	case errors.Is(err, ErrLockQueryFailed),
		errors.Is(err, lockstatus.ErrQuery),
		errors.Is(err, ErrExternalUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		ttlock.IsUnavailable(err),
		yookassa.IsUnavailable(err):
		return KindExternalUnavailable
	case ttlock.KindOf(err) != 0:
		return KindExternalRejected
	}

	var gwErr *yookassa.Error
	if errors.As(err, &gwErr) {
		return KindExternalRejected
	}
	return KindInternal
}

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindDataInconsistency:
		return "data_inconsistency"
	case KindRateLimited:
		return "rate_limited"
	case KindExternalUnavailable:
		return "external_unavailable"
	case KindExternalRejected:
		return "external_rejected"
	default:
		return "internal"
	}
}
