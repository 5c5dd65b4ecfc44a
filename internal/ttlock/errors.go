package ttlock

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindUnavailable: timeouts or connection failures after all retries.
	KindUnavailable Kind = iota + 1
	KindCircuitOpen
	KindRateLimited
	// KindAPI: the API answered with a non-zero errcode or a bad HTTP status.
	KindAPI
	KindPinCollision
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRateLimited:
		return "rate_limited"
	case KindAPI:
		return "api"
	case KindPinCollision:
		return "pin_collision"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is returned by every Client method.
type Error struct {
	Op   string
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Kind == KindAPI && e.Code != 0 {
		msg = fmt.Sprintf("%d: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("ttlock %s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("ttlock %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a ttlock error or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsUnavailable reports whether err means the lock API cannot be reached right
// now. Callers should defer the work instead of failing it.
func IsUnavailable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindCircuitOpen, KindRateLimited:
		return true
	}
	return false
}
