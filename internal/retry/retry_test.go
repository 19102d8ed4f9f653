package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/retry"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	var retried []int
	calls := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: 3,
		IsRetryable: isTransient,
		OnRetry:     func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	}, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 5, IsRetryable: isTransient}, func(int) error {
		calls++
		return errFatal
	})

	require.ErrorIs(t, err, errFatal)
	assert.NotErrorIs(t, err, retry.ErrMaxAttemptsExceeded)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		IsRetryable:  isTransient,
	}, func(int) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, retry.ErrMaxAttemptsExceeded)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, IsRetryable: isTransient}, func(int) error {
		return errTransient
	})
	require.ErrorIs(t, err, retry.ErrContextCancelled)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := retry.Config{InitialDelay: 15 * time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2}
	assert.Equal(t, 15*time.Second, cfg.Backoff(1))
	assert.Equal(t, 30*time.Second, cfg.Backoff(2))
	assert.Equal(t, 60*time.Second, cfg.Backoff(3))
	assert.Equal(t, 4*time.Minute, cfg.Backoff(5))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(6))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(500))
	assert.Equal(t, 15*time.Second, cfg.Backoff(0))
}
