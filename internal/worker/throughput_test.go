package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/worker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestThroughput_FixedWindowIsShared(t *testing.T) {
	t.Parallel()
	client := newRedis(t)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	// two processes sharing one window of 3
	a := worker.NewThroughput(client, 3, time.Minute, logger.NewNop(), worker.WithThroughputClock(clk.Now), worker.WithoutLocalPacing())
	b := worker.NewThroughput(client, 3, time.Minute, logger.NewNop(), worker.WithThroughputClock(clk.Now), worker.WithoutLocalPacing())

	ctx := context.Background()
	require.NoError(t, a.Wait(ctx))
	require.NoError(t, b.Wait(ctx))
	require.NoError(t, a.Wait(ctx))

	full, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(full), context.DeadlineExceeded)

	clk.Advance(time.Minute)
	require.NoError(t, b.Wait(ctx))
}

func TestThroughput_Disabled(t *testing.T) {
	t.Parallel()
	th := worker.NewThroughput(nil, 0, time.Minute, logger.NewNop())
	for range 5 {
		assert.NoError(t, th.Wait(context.Background()))
	}
}

func TestThroughput_LocalPacing(t *testing.T) {
	t.Parallel()
	client := newRedis(t)

	// 2 per 100ms paces one start every 50ms
	th := worker.NewThroughput(client, 2, 100*time.Millisecond, logger.NewNop())
	start := time.Now()
	require.NoError(t, th.Wait(context.Background()))
	require.NoError(t, th.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
