package board

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfig marks problems no retry can fix (bad credentials, unknown board).
	ErrConfig = errors.New("board: configuration error")
	// ErrSchema marks a response missing a field the relay needs.
	ErrSchema  = errors.New("board: unexpected response schema")
	ErrNotMove = errors.New("board: not a card move")
)

// HTTPError is a non-2xx response from the board API.
type HTTPError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("board api %s: HTTP %d: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("board api %s: HTTP %d", e.URL, e.Status)
}

// Retryable reports whether repeating the request may succeed.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsConfigError reports whether err means the credentials or board id are wrong.
func IsConfigError(err error) bool {
	if errors.Is(err, ErrConfig) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.Status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}

func isRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return !errors.Is(err, ErrSchema) && !errors.Is(err, ErrConfig)
}
