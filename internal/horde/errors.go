package horde

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAccepted is returned when the Horde answers a submission with anything but 202
	ErrNotAccepted = errors.New("generation request not accepted")

	// ErrNotFound is returned when the Horde no longer knows a sub-request id
	ErrNotFound = errors.New("generation not found")

	// ErrUnauthorized is returned for an invalid or missing api key
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited is returned when the Horde throttles the proxy
	ErrRateLimited = errors.New("rate limited")

	// ErrDecode is returned when a response body or embedded image cannot be decoded
	ErrDecode = errors.New("failed to decode response")
)

// RetryableError wraps transient failures that leave a sub-request pending
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err leaves the sub-request worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// statusError maps an unexpected HTTP status to the error taxonomy
func statusError(status int, body []byte) error {
	var base error
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrNotFound, status)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, status, truncate(body))
	case http.StatusTooManyRequests:
		base = ErrRateLimited
	default:
		base = ErrNotAccepted
	}
	return NewRetryableError(fmt.Errorf("%w: status %d: %s", base, status, truncate(body)))
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
