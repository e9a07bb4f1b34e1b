package session

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is terminal: the request was retried once after
	// renewal and the backend still rejected the credential.
	ErrUnauthenticated = errors.New("session: unauthenticated")
	// ErrRenewalFailed is returned to the renewal owner and every waiter when
	// the refresh call does not produce new tokens.
	ErrRenewalFailed = errors.New("session: credential renewal failed")
	// ErrForbidden is returned for 403 responses; they are never retried.
	ErrForbidden = errors.New("session: forbidden")
	// ErrNoRefreshToken means there is nothing to renew with.
	ErrNoRefreshToken = errors.New("session: no refresh token")
)

// HTTPError is any other non-2xx backend answer.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err ends the authenticated session.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrRenewalFailed)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
