package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
)

var (
	// ErrInvalidToken is returned when the provider rejects a token with 401.
	ErrInvalidToken = errors.New("token rejected by provider")

	// ErrTimeout is returned when the provider did not answer before the deadline.
	ErrTimeout = errors.New("provider request timed out")
)

// StatusError reports an unexpected HTTP status from the provider.
type StatusError struct {
	Operation  string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Operation, e.StatusCode)
}

// StatusCode extracts the upstream HTTP status from err, or 0 when there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	if errors.Is(err, ErrInvalidToken) {
		return http.StatusUnauthorized
	}
	return 0
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WrapTransportError tags timeouts with ErrTimeout so callers can tell them
// apart from other failures with errors.Is.
func WrapTransportError(operation string, err error) error {
	if IsTimeout(err) {
		return fmt.Errorf("%s: %w: %w", operation, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
