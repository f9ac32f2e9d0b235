package billing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrCustomerNotFound indicates the billing authority has no customer for the id.
var ErrCustomerNotFound = errors.New("billing: customer not found")

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("billing: %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("billing: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransient reports whether err is an upstream condition expected to clear on
// its own or once an operator fixes credentials: rejected or missing
// credentials, throttling, server errors and network failures.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized,
			statusErr.StatusCode == http.StatusForbidden,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
