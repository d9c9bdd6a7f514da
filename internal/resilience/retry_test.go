package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	exec := NewExecutor(zap.NewNop())

	calls := 0
	err := exec.Execute(context.Background(), DefaultRetryPolicy(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	calls := 0
	err := exec.Execute(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection refused"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_NonTransientPropagatesImmediately(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	fatal := errors.New("constraint violation")
	calls := 0
	err := exec.Execute(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "non-transient error must not consume retry budget")
	assert.False(t, IsRetriesExhausted(err))
}

func TestExecute_ExhaustionSurfacesLastError(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	last := errors.New("upstream timeout")
	calls := 0
	err := exec.Execute(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return Transient(last)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsRetriesExhausted(err))
	assert.ErrorIs(t, err, last)
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := exec.Execute(ctx, policy, func(ctx context.Context) error {
		return Transient(errors.New("timeout"))
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient_Classification(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("anything"))))
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(errors.New("503 Service Unavailable")))
	assert.False(t, IsTransient(errors.New("record not found")))
	assert.False(t, IsTransient(nil))

	// Breaker rejections are terminal for the current attempt.
	open := &CircuitOpenError{Name: "external-sync", NextAttemptAt: time.Now()}
	assert.False(t, IsTransient(open))
}
