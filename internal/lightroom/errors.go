// Package lightroom provides an HTTP client for the Adobe Lightroom
// Partner API with automatic retry, rate limiting, and error
// classification. It covers the destination side of a transfer: catalog
// and album discovery plus the three-step asset upload protocol.
package lightroom

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, lightroom.ErrQuotaExceeded) to check.
var (
	ErrBadRequest   = errors.New("lightroom: bad request")
	ErrUnauthorized = errors.New("lightroom: unauthorized")
	ErrForbidden    = errors.New("lightroom: forbidden")
	ErrNotFound     = errors.New("lightroom: not found")
	ErrConflict     = errors.New("lightroom: asset already exists")
	ErrRateLimited  = errors.New("lightroom: rate limited")
	ErrServerError  = errors.New("lightroom: server error")

	// ErrQuotaExceeded means the destination account is out of storage.
	// Fatal to a run: further uploads cannot succeed.
	ErrQuotaExceeded = errors.New("lightroom: storage quota exceeded")

	// ErrUnsupportedMedia means the destination rejected the content type.
	// Per-item: the run continues with remaining items.
	ErrUnsupportedMedia = errors.New("lightroom: unsupported media type")
)

// APIError wraps a sentinel error with the HTTP status code and the API
// error message body for debugging.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lightroom: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusPaymentRequired, http.StatusInsufficientStorage:
		return ErrQuotaExceeded
	case http.StatusUnsupportedMediaType:
		return ErrUnsupportedMedia
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// 507 is excluded: quota exhaustion does not resolve by retrying.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
