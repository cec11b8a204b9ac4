package failover

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/storetalon/storetalon/internal/provider"
)

func statusOf(err error) (int, bool) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

func IsRateLimitError(err error) bool {
	code, ok := statusOf(err)
	return ok && code == http.StatusTooManyRequests
}

func IsAuthError(err error) bool {
	code, ok := statusOf(err)
	return ok && (code == http.StatusUnauthorized || code == http.StatusForbidden)
}

// IsRetryable reports whether another model may succeed where this one failed.
func IsRetryable(err error) bool {
	code, ok := statusOf(err)
	if !ok {
		return false
	}
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type AllExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *AllExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all models exhausted, attempted: %v: last error: %v", e.Attempted, e.Last)
	}
	return fmt.Sprintf("all models exhausted, attempted: %v", e.Attempted)
}

func (e *AllExhaustedError) Unwrap() error { return e.Last }
