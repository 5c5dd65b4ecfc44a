package yookassa

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAccount is returned before any request when the payment account can not
// be used for this gateway.
var ErrAccount = errors.New("invalid payment account")

// Error is a failed gateway call. StatusCode is zero for network failures.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("yookassa %s: network error: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("yookassa %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("yookassa %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// IsUnavailable reports network failures and 5xx answers.
func IsUnavailable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}
