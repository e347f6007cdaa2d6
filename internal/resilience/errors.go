package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

var (
	// ErrUnavailable means a provider could not supply a value. Callers absorb
	// it by falling back to cache or quorum; it never aborts a discovery.
	ErrUnavailable = eris.New("provider unavailable")

	// ErrRateLimited means a call exceeded the source's rate budget, either
	// locally (token bucket wait exceeded) or remotely (HTTP 429).
	ErrRateLimited = eris.New("provider rate limited")
)

// UnavailableError carries the source and the underlying cause of an
// unavailable fetch. errors.Is(err, ErrUnavailable) holds for it.
type UnavailableError struct {
	SourceID string
	Cause    error
}

func (e *UnavailableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("source %s: %s", e.SourceID, ErrUnavailable.Error())
	}
	return fmt.Sprintf("source %s: %s: %s", e.SourceID, ErrUnavailable.Error(), e.Cause.Error())
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Is matches ErrUnavailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps cause as an UnavailableError for sourceID.
func Unavailable(sourceID string, cause error) error {
	return &UnavailableError{SourceID: sourceID, Cause: cause}
}

// RateLimitedError is returned when a call is rejected by a rate budget.
type RateLimitedError struct {
	SourceID string
	Cause    error
}

func (e *RateLimitedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("source %s: %s", e.SourceID, ErrRateLimited.Error())
	}
	return fmt.Sprintf("source %s: %s: %s", e.SourceID, ErrRateLimited.Error(), e.Cause.Error())
}

func (e *RateLimitedError) Unwrap() error { return e.Cause }

// Is matches ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RateLimited wraps cause as a RateLimitedError for sourceID.
func RateLimited(sourceID string, cause error) error {
	return &RateLimitedError{SourceID: sourceID, Cause: cause}
}

// IsRateLimited reports whether err (or its chain) is a rate-limit rejection,
// including a TransientError carrying HTTP 429.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te) && te.StatusCode == 429
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a rate limit, or a common network-level transient failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
