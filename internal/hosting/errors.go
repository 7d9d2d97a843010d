// Package hosting provides the remote access client for the repository
// hosting provider's REST API, with rate limiting, retry with exponential
// backoff, a circuit breaker, and a per-batch read cache.
package hosting

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, hosting.ErrNotFound) to check.
var (
	ErrBadRequest    = errors.New("hosting: bad request")
	ErrUnauthorized  = errors.New("hosting: unauthorized")
	ErrForbidden     = errors.New("hosting: forbidden")
	ErrNotFound      = errors.New("hosting: not found")
	ErrConflict      = errors.New("hosting: conflict")
	ErrUnprocessable = errors.New("hosting: unprocessable entity")
	ErrThrottled     = errors.New("hosting: rate limited")
	ErrServerError   = errors.New("hosting: server error")
	ErrTimeout       = errors.New("hosting: request timeout")
)

// Errors raised by the client itself rather than by an HTTP response.
var (
	// ErrNetwork wraps transport-level failures (DNS, reset, TLS).
	ErrNetwork = errors.New("hosting: network error")
	// ErrRateLimitWait is returned when the local token bucket cannot grant a
	// request within the configured maximum wait.
	ErrRateLimitWait = errors.New("hosting: rate limit budget exhausted")
	// ErrCircuitOpen is returned without contacting the downstream while the
	// circuit breaker is open.
	ErrCircuitOpen = errors.New("hosting: circuit open")
	// ErrRetriesExhausted wraps the last transient error once the retry
	// budget for an operation is spent.
	ErrRetriesExhausted = errors.New("hosting: retries exhausted")
	// ErrAlreadyExists marks create operations whose target already exists
	// (branch, pull request). Callers treat it as success.
	ErrAlreadyExists = errors.New("hosting: already exists")
)

// APIError wraps a sentinel error with the HTTP status code, the provider's
// request ID, and the response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("hosting: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("hosting: HTTP %d: %s", e.StatusCode, e.Message)
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
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusRequestTimeout:
		return ErrTimeout
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusBadRequest {
			return ErrBadRequest
		}

		return nil
	}
}

// isRetryableStatus reports whether the given HTTP status code should be
// retried. 403 is handled separately because it doubles as the provider's
// secondary rate-limit response.
func isRetryableStatus(code int) bool {
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

// IsTransient reports whether err is a transient remote failure: one that
// was (or would have been) retried and may succeed on a later invocation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitWait)
}

// IsPermanent reports whether err is a non-retryable remote failure such as
// permission denied or not found.
func IsPermanent(err error) bool {
	if IsTransient(err) || errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var apiErr *APIError

	return errors.As(err, &apiErr)
}

// countsAgainstDownstream reports whether a failed attempt indicates an
// unhealthy downstream, as opposed to a healthy downstream rejecting a
// particular request.
func countsAgainstDownstream(err error) bool {
	return errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNetwork)
}

// isAlreadyExists reports whether err is a 422 whose message says the
// resource already exists, the provider's response to duplicate refs and
// duplicate pull requests.
func isAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return false
	}

	return strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}
