package nextdns

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidDomain is returned before any network I/O when a caller passes a
// syntactically invalid domain.
var ErrInvalidDomain = errors.New("invalid domain name")

// APIError is a non-2xx response from the NextDNS API. 401/404 and other
// 4xx (except 429) are permanent; 429 and 5xx are retryable and the
// transport retries them before this error surfaces.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return "nextdns: unauthenticated (check NEXTDNS_API_KEY)"
	case http.StatusNotFound:
		return "nextdns: unknown profile or resource"
	default:
		return fmt.Sprintf("nextdns: HTTP %d: %s", e.StatusCode, e.Body)
	}
}

// Permanent reports whether retrying cannot help.
func (e *APIError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a permanent remote failure. Transient
// failures (timeouts, 5xx, 429 after retry exhaustion) return false.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
