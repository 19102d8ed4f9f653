package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/worker"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(2, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	require.Error(t, pool.Start())

	var running, peak atomic.Int32
	task := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	ctx := context.Background()
	for range 6 {
		require.NoError(t, pool.Submit(ctx, task))
	}
	require.NoError(t, pool.Stop(ctx))

	assert.LessOrEqual(t, peak.Load(), int32(2))
	stats := pool.Stats()
	assert.Equal(t, worker.PoolStateStopped, stats.State)
	assert.Equal(t, int64(6), stats.Processed)
	assert.InDelta(t, 100.0, stats.SuccessRate(), 1e-9)
}

func TestPool_StatsSkipIdleTasks(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(1, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	ctx := context.Background()
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return worker.ErrIdle }))
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return nil }))
	require.NoError(t, pool.Stop(ctx))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Succeeded)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(1, logger.NewNop())
	require.NoError(t, err)
	require.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) error { return nil }), worker.ErrPoolNotRunning)

	_, err = worker.NewPool(0, logger.NewNop())
	require.Error(t, err)
}

func TestPool_StopTimesOut(t *testing.T) {
	t.Parallel()

	pool, err := worker.NewPool(1, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)
	close(release)
}
