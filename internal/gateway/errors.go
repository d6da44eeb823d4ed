package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/tarjeta-registro/internal/domain"
)

// ErrCircuitOpen means the call was not attempted because the authority is
// considered down.
var ErrCircuitOpen = errors.New("authority circuit open")

// GatewayError classifies an authority call failure as retryable or not.
type GatewayError struct {
	StatusCode int
	Message    string
	Body       []byte
	Retryable  bool
	Cause      error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "authority error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is maps the error onto the domain taxonomy. A canceled call is neither
// unavailable nor rejected: the authority never answered it.
func (e *GatewayError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case domain.ErrAuthorityUnavailable:
		return e.Retryable
	case domain.ErrAuthorityRejected:
		return !e.Retryable && !errors.Is(e.Cause, context.Canceled)
	}
	return false
}

// IsRetryable reports whether a failed call may succeed when repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
