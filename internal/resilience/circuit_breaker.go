package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leaguehq/regsync/pkg/metrics"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed BreakerState = iota
	// StateOpen - calls are rejected until the cooldown elapses
	StateOpen
	// StateHalfOpen - one trial call is allowed through
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultBreakerConfig returns the standard breaker tuning: open after
// five consecutive failures, retry one trial call after sixty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// CircuitOpenError is returned when a call is rejected because the
// breaker is open.
type CircuitOpenError struct {
	Name          string
	NextAttemptAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open until %s", e.Name, e.NextAttemptAt.Format(time.RFC3339))
}

// IsCircuitOpen checks if an error is a circuit breaker rejection.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// CircuitBreaker isolates one named dependency. After FailureThreshold
// consecutive failures it opens and fails fast; once the cooldown
// elapses it permits exactly one trial call.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *zap.Logger
	clock  func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	nextAttemptAt time.Time
	trialInFlight bool
}

// NewCircuitBreaker creates a breaker for one dependency name.
func NewCircuitBreaker(name string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger.Named("breaker"),
		clock:  time.Now,
		state:  StateClosed,
	}
}

// Execute runs op under the breaker. While open, the call fails with
// CircuitOpenError without invoking op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if now.Before(cb.nextAttemptAt) {
			return &CircuitOpenError{Name: cb.name, NextAttemptAt: cb.nextAttemptAt}
		}
		cb.transition(StateHalfOpen)
		cb.trialInFlight = true
		return nil

	case StateHalfOpen:
		// Only one trial call at a time.
		if cb.trialInFlight {
			return &CircuitOpenError{Name: cb.name, NextAttemptAt: cb.nextAttemptAt}
		}
		cb.trialInFlight = true
		return nil

	default:
		return &CircuitOpenError{Name: cb.name, NextAttemptAt: cb.nextAttemptAt}
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
		cb.failureCount = 0
		cb.successCount = 0
		cb.transition(StateClosed)
		cb.logger.Info("circuit breaker closed after successful trial call",
			zap.String("name", cb.name))
		return
	}
	cb.failureCount = 0
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.nextAttemptAt = cb.clock().Add(cb.config.Cooldown)
		cb.transition(StateOpen)
		cb.logger.Warn("circuit breaker reopened after failed trial call",
			zap.String("name", cb.name),
			zap.Time("next_attempt_at", cb.nextAttemptAt))

	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.nextAttemptAt = cb.clock().Add(cb.config.Cooldown)
			cb.transition(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.name),
				zap.Int("failures", cb.failureCount),
				zap.Time("next_attempt_at", cb.nextAttemptAt))
		}
	}
}

// transition updates state under cb.mu.
func (cb *CircuitBreaker) transition(next BreakerState) {
	cb.state = next
	metrics.BreakerTransitions.WithLabelValues(cb.name, next.String()).Inc()
}

// BreakerRegistry holds one breaker per dependency name, created lazily
// and reused process-wide.
type BreakerRegistry struct {
	config   BreakerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry with a shared default config.
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first reference.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, r.config, r.logger)
	r.breakers[name] = cb
	return cb
}

// Execute runs op under the breaker registered for name.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, op Operation) error {
	return r.Get(name).Execute(ctx, op)
}

// Reset discards all breakers. Test hook only.
func (r *BreakerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}
