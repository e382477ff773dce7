package llm

import (
	"context"
	"errors"
)

// RecoverableError wraps a transport-level failure (connection refused, reset,
// deadline exceeded) that is likely transient and safe to retry. Providers wrap
// such failures so callers can distinguish them from permanent errors like a
// missing model or a malformed response.
type RecoverableError struct {
	Err error
}

// Error implements the error interface.
func (e *RecoverableError) Error() string {
	return "recoverable: " + e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err represents a transient failure that may
// succeed on retry. Context deadline expiry counts as recoverable; context
// cancellation does not, since the caller has abandoned the request.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var re *RecoverableError
	if errors.As(err, &re) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
