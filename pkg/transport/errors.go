package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeSessionInvalidated is the machine-readable code a 401 response carries
// when the session was superseded by a login elsewhere. It is deliberately
// distinct from an ordinary authentication failure.
const CodeSessionInvalidated = "session_invalidated"

// APIError is an error response from the remote API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// IsSessionInvalidated reports whether err is the server declaring the
// session terminated because the same identity authenticated elsewhere.
func IsSessionInvalidated(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeSessionInvalidated
}

// IsAuthError reports whether err is an authentication failure (as opposed
// to a network failure or a server-side fault).
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// IsNetworkError reports whether err is a transport-level failure that never
// produced a response. Network errors must never be treated as an
// authentication verdict.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
