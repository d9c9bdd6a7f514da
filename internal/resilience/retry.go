// Package resilience provides the retry executor and per-dependency
// circuit breakers used for every downstream call the reconciler makes.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls the retry budget for one operation. Backoff is
// exponential: BaseDelay doubles after every failed attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
}

// DefaultRetryPolicy returns the policy used for downstream writes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
	}
}

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// TransientError marks an error as retryable. Wrap dependency errors
// with Transient() when the failure is a network/timeout/unavailable
// class of problem.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient dependency error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// retryableMarkers classifies errors from dependencies that do not use
// the TransientError wrapper.
var retryableMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"service unavailable",
	"too many requests",
	"EOF",
}

// IsTransient reports whether err should consume retry budget. Circuit
// breaker rejections are never retried within the same attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// RetriesExhaustedError is returned when every attempt of a retryable
// operation failed. It wraps the last error observed.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// IsRetriesExhausted checks whether err is a retry-budget exhaustion.
func IsRetriesExhausted(err error) bool {
	var exhausted *RetriesExhaustedError
	return errors.As(err, &exhausted)
}

// Executor runs operations under a retry policy. Non-transient errors
// propagate immediately without consuming budget.
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates a retry executor.
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{logger: logger.Named("resilience")}
}

// Execute runs op, retrying transient failures with exponential backoff
// delay(n) = BaseDelay * 2^(n-1). Exhausting the budget surfaces the
// last error wrapped in RetriesExhaustedError.
func (e *Executor) Execute(ctx context.Context, policy RetryPolicy, op Operation) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
		e.logger.Warn("transient failure, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &RetriesExhaustedError{Attempts: policy.MaxAttempts, Last: lastErr}
}
