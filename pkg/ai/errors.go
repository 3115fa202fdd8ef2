// Package ai provides common types and utilities shared by the external
// provider integrations (transcription, analysis, synthesis). It defines
// standard error classification and the retry policy used on every
// provider call path.
package ai

import "errors"

// Common error types used across providers
var (
	// ErrRecoverable indicates a temporary failure that may succeed if retried.
	// Examples: network timeout, rate limiting, provider session timeout.
	// Recommended action: retry with backoff.
	ErrRecoverable = errors.New("recoverable provider error")

	// ErrFatal indicates a permanent failure that will not succeed if retried.
	// Examples: invalid API key, malformed request, unsupported audio format.
	// Recommended action: fail fast, do not retry.
	ErrFatal = errors.New("fatal provider error")
)

// IsRecoverable checks if an error is recoverable and should be retried
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError wraps an underlying error with retry classification
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *RetryableError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Underlying.Error()
}

func (e *RetryableError) Unwrap() error {
	if e.Retryable {
		return ErrRecoverable
	}
	return ErrFatal
}

// NewRecoverableError creates a recoverable error with context
func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  true,
		Message:    message,
	}
}

// NewFatalError creates a fatal error with context
func NewFatalError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  false,
		Message:    message,
	}
}
