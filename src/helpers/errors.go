package helpers

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type EngineError struct {
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Helper to define distinct error types for type assertions if needed
type ConfigurationError struct{ EngineError }
type NetworkError struct{ EngineError }
type DatabaseError struct{ EngineError }
type InvalidRequestError struct{ EngineError }

// UpstreamUnavailableError marks a single catalog source failure.
type UpstreamUnavailableError struct {
	EngineError
	Source string
}

// AllSourcesFailedError is returned when every configured catalog source
// failed for the same request. These failures are transient, so callers
// should surface them as retryable.
type AllSourcesFailedError struct {
	EngineError
}

func (e *AllSourcesFailedError) Retryable() bool { return true }

// NewAllSourcesFailed wraps the last source error seen.
func NewAllSourcesFailed(operation string, cause error) *AllSourcesFailedError {
	return &AllSourcesFailedError{EngineError{
		Message: fmt.Sprintf("all catalog sources failed for %s", operation),
		Cause:   cause,
	}}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxRetries times with exponential backoff.
func RetryWithBackoff(operation string, maxRetries int, baseDelay time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		time.Sleep(delay)
	}

	return nil, &EngineError{Message: fmt.Sprintf("%s failed after %d attempts", operation, maxRetries), Cause: lastErr}
}
