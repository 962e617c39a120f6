package bybit

import (
	"errors"
	"fmt"
)

// APIError is a venue-level error carrying the Bybit retCode.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit API error %d: %s", e.Code, e.Message)
}

// Venue retCodes that are transient and worth retrying.
var retryableCodes = map[int]bool{
	10002: true, // timestamp outside recv window
	10004: true, // temporary IP ban
	10006: true, // rate limit exceeded
	10018: true, // internal error
	10019: true, // server busy
}

// Venue retCodes the caller handles as a normal outcome rather than a failure.
var nonCriticalCodes = map[int]bool{
	100028: true, // unified account margin mode conflict
	110007: true, // insufficient balance
	110025: true, // price out of range
	110026: true, // position does not exist
	110043: true, // leverage not modified
}

// IsRetryableCode reports whether the retCode warrants a retry.
func IsRetryableCode(code int) bool {
	return retryableCodes[code]
}

// IsNonCriticalCode reports whether the retCode is an expected, tolerable
// outcome (e.g. leverage already set).
func IsNonCriticalCode(code int) bool {
	return nonCriticalCodes[code]
}

// IsNonCritical reports whether err is an APIError with a non-critical code.
func IsNonCritical(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return IsNonCriticalCode(apiErr.Code)
	}
	return false
}

// ErrorCode extracts the venue retCode from err, 0 when absent.
func ErrorCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
