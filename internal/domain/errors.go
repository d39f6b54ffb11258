package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed failure taxonomy every broker adapter translates
// venue-specific failures into.
type ErrorKind string

const (
	ErrConnection        ErrorKind = "Connection"
	ErrAuthentication    ErrorKind = "Authentication"
	ErrValidation        ErrorKind = "Validation"
	ErrRateLimit         ErrorKind = "RateLimit"
	ErrOrderNotFound     ErrorKind = "OrderNotFound"
	ErrInsufficientFunds ErrorKind = "InsufficientFunds"
	ErrInternal          ErrorKind = "Internal"
)

// Retryable reports whether the kind may be retried with backoff.
// Only transport-level failures are; everything else is terminal.
func (k ErrorKind) Retryable() bool {
	return k == ErrConnection || k == ErrRateLimit
}

// BrokerError is the normalized failure returned by every adapter operation.
type BrokerError struct {
	Kind       ErrorKind
	Message    string
	RequestID  string        // broker request id when the venue supplied one
	Reference  string        // opaque reference id for Internal failures
	RetryAfter time.Duration // venue backoff hint, zero when absent
	cause      error
}

// NewBrokerError builds a BrokerError wrapping an optional cause.
func NewBrokerError(kind ErrorKind, msg string, cause error) *BrokerError {
	return &BrokerError{Kind: kind, Message: msg, cause: cause}
}

// Errorf builds a BrokerError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *BrokerError {
	return &BrokerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *BrokerError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *BrokerError) Unwrap() error {
	return e.cause
}

// Retryable reports whether this failure may be retried.
func (e *BrokerError) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf extracts the taxonomy kind from any error chain. Unclassified
// errors report Internal.
func KindOf(err error) ErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// RetryAfterOf extracts a venue backoff hint from an error chain.
func RetryAfterOf(err error) time.Duration {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}
