package resilience

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kbukum/pipeguard/errors"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrTimeout          = errors.New("time budget exhausted")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// CircuitOpenError is returned without calling the operation when the
// resource's breaker is open or its half-open trial is already taken.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Resource, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// AppError converts to the transport error model.
func (e *CircuitOpenError) AppError() *apperrors.AppError {
	return apperrors.CircuitOpen(e.Resource, e.RetryAfter)
}

// RetriesExhaustedError reports that every allowed attempt failed.
// It unwraps to the last attempt's error.
type RetriesExhaustedError struct {
	Resource string
	Attempts int
	Cause    error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Resource, e.Attempts, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// AppError converts to the transport error model.
func (e *RetriesExhaustedError) AppError() *apperrors.AppError {
	return apperrors.RetriesExhausted(e.Resource, e.Attempts, e.Cause)
}

// TimeoutError reports that the overall budget ran out, whether during an
// attempt or while backing off. Cause is the last attempt error, if any.
type TimeoutError struct {
	Resource string
	Attempts int
	Budget   time.Duration
	Cause    error
}

func (e *TimeoutError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s exceeded %s budget after %d attempts", e.Resource, e.Budget, e.Attempts)
	}
	return fmt.Sprintf("%s exceeded %s budget after %d attempts: %v", e.Resource, e.Budget, e.Attempts, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// AppError converts to the transport error model.
func (e *TimeoutError) AppError() *apperrors.AppError {
	return apperrors.Timeout(e.Resource).
		WithCause(e.Cause).
		WithDetail("attempts", e.Attempts).
		WithDetail("budget_ms", e.Budget.Milliseconds())
}

// RateLimitExceededError is returned by RateLimiter.Allow on denial.
type RateLimitExceededError struct {
	ClientKey  string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (retry after %s)", e.ClientKey, e.RetryAfter)
}

func (e *RateLimitExceededError) Is(target error) bool { return target == ErrRateLimited }

// AppError converts to the transport error model.
func (e *RateLimitExceededError) AppError() *apperrors.AppError {
	return apperrors.RateLimitedFor(e.RetryAfter)
}
