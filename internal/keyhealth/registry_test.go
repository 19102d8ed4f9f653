package keyhealth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
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

type storeCase struct {
	name string
	new  func(t *testing.T) keyhealth.Store
}

var stores = []storeCase{
	{"memory", func(*testing.T) keyhealth.Store { return keyhealth.NewMemoryStore() }},
	{"redis", func(t *testing.T) keyhealth.Store { return keyhealth.NewRedisStore(newRedis(t), "") }},
}

// eachStore runs fn once per Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, store keyhealth.Store)) {
	t.Helper()
	for _, sc := range stores {
		t.Run(sc.name, func(t *testing.T) {
			t.Parallel()
			fn(t, sc.new(t))
		})
	}
}

func secrets(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a'+i)) + "-secret"
	}
	return out
}

func newRegistry(clock *fakeClock, n int, store keyhealth.Store) *keyhealth.Registry {
	return keyhealth.New(secrets(n), keyhealth.Config{
		ThrottleBase: 10 * time.Second,
		ThrottleMax:  10 * time.Minute,
	}, keyhealth.WithClock(clock.Now), keyhealth.WithStore(store))
}

// throttle drives a key into cooldown through the public reporting path.
func throttle(t *testing.T, r *keyhealth.Registry, id string) {
	t.Helper()
	require.NoError(t, r.Report(context.Background(), keyhealth.KeyHandle{ID: id}, keyhealth.Outcome{RateLimited: true}))
}

func report(t *testing.T, r *keyhealth.Registry, id string, o keyhealth.Outcome) {
	t.Helper()
	require.NoError(t, r.Report(context.Background(), keyhealth.KeyHandle{ID: id}, o))
}

func snapshot(t *testing.T, r *keyhealth.Registry) []keyhealth.KeyMetrics {
	t.Helper()
	snap, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func TestSelect_SkipsThrottledKeys(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		r := newRegistry(newClock(), 3, store)
		throttle(t, r, "key-1")
		throttle(t, r, "key-2")

		h, err := r.Select(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "key-3", h.ID)
		assert.Equal(t, "c-secret", h.Secret())
	})
}

func TestSelect_AllThrottledScenario(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		ctx := context.Background()
		clock := newClock()
		r := newRegistry(clock, 3, store)

		// A and B rate-limited until well past now.
		for range 3 {
			throttle(t, r, "key-1")
			throttle(t, r, "key-2")
		}

		h, err := r.Select(ctx)
		require.NoError(t, err)
		require.Equal(t, "key-3", h.ID)

		require.NoError(t, r.Report(ctx, h, keyhealth.Outcome{RateLimited: true, Latency: time.Second}))
		require.NoError(t, r.Report(ctx, h, keyhealth.Outcome{RateLimited: true, Latency: time.Second}))

		var c keyhealth.KeyMetrics
		for _, m := range snapshot(t, r) {
			if m.KeyID == "key-3" {
				c = m
			}
		}
		require.True(t, c.IsThrottled)
		require.NotNil(t, c.ThrottledUntil)
		assert.GreaterOrEqual(t, c.ThrottledUntil.Sub(clock.Now()), 20*time.Second)

		_, err = r.Select(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, keyhealth.ErrNoKeyAvailable))

		var nka *keyhealth.NoKeyAvailableError
		require.ErrorAs(t, err, &nka)
		assert.True(t, clock.Now().Add(20*time.Second).Equal(nka.RetryAt))
	})
}

func TestSelect_NeverReturnsThrottledKey(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		for n := 1; n <= 5; n++ {
			r := keyhealth.New(secrets(n), keyhealth.Config{},
				keyhealth.WithClock(newClock().Now), keyhealth.WithStore(store))
			for i := 1; i <= n; i++ {
				throttle(t, r, keyID(i))
			}
			_, err := r.Select(context.Background())
			assert.ErrorIs(t, err, keyhealth.ErrNoKeyAvailable, "keys=%d", n)
		}
	})
}

func TestSelect_ThrottleExpires(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		clock := newClock()
		r := newRegistry(clock, 1, store)
		throttle(t, r, "key-1")

		_, err := r.Select(context.Background())
		require.ErrorIs(t, err, keyhealth.ErrNoKeyAvailable)

		clock.Advance(11 * time.Second)
		h, err := r.Select(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "key-1", h.ID)
	})
}

func TestSelect_NoKeysConfigured(t *testing.T) {
	t.Parallel()

	r := keyhealth.New(nil, keyhealth.Config{})
	_, err := r.Select(context.Background())
	require.ErrorIs(t, err, keyhealth.ErrNoKeyAvailable)
	assert.Contains(t, err.Error(), "no provider keys configured")
}

func TestSelect_PrefersHealthierKey(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		r := newRegistry(newClock(), 2, store)

		// key-1 fails without throttling, key-2 succeeds.
		report(t, r, "key-1", keyhealth.Outcome{Latency: time.Second})
		report(t, r, "key-2", keyhealth.Outcome{Success: true, Latency: time.Second})

		for range 3 {
			h, err := r.Select(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "key-2", h.ID)
		}
	})
}

func TestSelect_PrefersLowerLatency(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		r := newRegistry(newClock(), 2, store)
		report(t, r, "key-1", keyhealth.Outcome{Success: true, Latency: 20 * time.Second})
		report(t, r, "key-2", keyhealth.Outcome{Success: true, Latency: 500 * time.Millisecond})

		h, err := r.Select(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "key-2", h.ID)
	})
}

func TestSelect_TiesRotateLeastRecentlySelected(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		clock := newClock()
		r := newRegistry(clock, 3, store)

		var got []string
		for range 6 {
			h, err := r.Select(context.Background())
			require.NoError(t, err)
			got = append(got, h.ID)
			clock.Advance(time.Millisecond)
		}
		assert.Equal(t, []string{"key-1", "key-2", "key-3", "key-1", "key-2", "key-3"}, got)
	})
}

func TestReport_SuccessClearsThrottle(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		clock := newClock()
		r := newRegistry(clock, 1, store)
		throttle(t, r, "key-1")
		report(t, r, "key-1", keyhealth.Outcome{Success: true})

		m := snapshot(t, r)[0]
		assert.False(t, m.IsThrottled)
		assert.Nil(t, m.ThrottledUntil)

		// the next rate limit starts from the base cooldown again
		throttle(t, r, "key-1")
		m = snapshot(t, r)[0]
		require.NotNil(t, m.ThrottledUntil)
		assert.Equal(t, 10*time.Second, m.ThrottledUntil.Sub(clock.Now()))
	})
}

func TestReport_NonRateLimitFailureDoesNotThrottle(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		r := newRegistry(newClock(), 1, store)
		report(t, r, "key-1", keyhealth.Outcome{Success: false})

		m := snapshot(t, r)[0]
		assert.False(t, m.IsThrottled)
		assert.Equal(t, int64(1), m.FailureCount)
		assert.Less(t, m.HealthScore, 1.0)
	})
}

func TestReport_CooldownIsCapped(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		clock := newClock()
		r := newRegistry(clock, 1, store)
		for range 20 {
			throttle(t, r, "key-1")
		}
		m := snapshot(t, r)[0]
		require.NotNil(t, m.ThrottledUntil)
		assert.Equal(t, 10*time.Minute, m.ThrottledUntil.Sub(clock.Now()))
	})
}

func TestReport_UnknownKey(t *testing.T) {
	t.Parallel()

	r := newRegistry(newClock(), 1, keyhealth.NewMemoryStore())
	err := r.Report(context.Background(), keyhealth.KeyHandle{ID: "key-9"}, keyhealth.Outcome{Success: true})
	assert.ErrorIs(t, err, keyhealth.ErrUnknownKey)
}

func TestReport_ConcurrentAccountingIsExact(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		r := newRegistry(newClock(), 3, store)
		const perKey = 100

		var wg sync.WaitGroup
		for i := 1; i <= 3; i++ {
			for j := range perKey {
				wg.Add(1)
				go func(id string, success bool) {
					defer wg.Done()
					_, _ = r.Select(context.Background())
					_ = r.Report(context.Background(), keyhealth.KeyHandle{ID: id}, keyhealth.Outcome{
						Success:     success,
						Latency:     time.Duration(j) * time.Millisecond,
						RateLimited: !success && j%7 == 0,
					})
				}(keyID(i), j%3 != 0)
			}
		}
		wg.Wait()

		snap := snapshot(t, r)
		for _, m := range snap {
			assert.Equal(t, int64(perKey), m.SuccessCount+m.FailureCount, m.KeyID)
		}
		assert.Equal(t, int64(3*perKey), keyhealth.Summarize(snap).TotalCalls)
	})
}

func TestSnapshotAndSummary(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store keyhealth.Store) {
		r := newRegistry(newClock(), 3, store)
		report(t, r, "key-1", keyhealth.Outcome{Success: true, Latency: 100 * time.Millisecond})
		report(t, r, "key-1", keyhealth.Outcome{Success: true, Latency: 200 * time.Millisecond})
		report(t, r, "key-1", keyhealth.Outcome{Success: false, Latency: 300 * time.Millisecond})
		throttle(t, r, "key-2")

		snap := snapshot(t, r)
		require.Len(t, snap, 3)

		k1 := snap[0]
		assert.Equal(t, int64(2), k1.SuccessCount)
		assert.Equal(t, int64(1), k1.FailureCount)
		assert.InDelta(t, 0.6667, k1.SuccessRate, 1e-4)
		// EMA: 100 -> 120 -> 156
		assert.InDelta(t, 156.0, k1.AvgResponseTime, 0.1)
		require.NotNil(t, k1.LastUsedAt)
		assert.Nil(t, k1.ThrottledUntil)

		k3 := snap[2]
		assert.Nil(t, k3.LastUsedAt)
		assert.InDelta(t, 1.0, k3.HealthScore, 1e-9)
		assert.InDelta(t, 1.0, k3.SuccessRate, 1e-9)

		s := keyhealth.Summarize(snap)
		assert.Equal(t, int64(4), s.TotalCalls)
		assert.Equal(t, int64(2), s.TotalSuccesses)
		assert.Equal(t, int64(2), s.TotalFailures)
		assert.Equal(t, 1, s.ThrottledCount)
		assert.Equal(t, 2, s.AvailableCount)
	})
}

func TestRedisStore_StateIsSharedAcrossRegistries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newRedis(t)
	clock := newClock()
	worker := newRegistry(clock, 2, keyhealth.NewRedisStore(client, ""))
	other := newRegistry(clock, 2, keyhealth.NewRedisStore(client, ""))

	report(t, worker, "key-2", keyhealth.Outcome{Success: true, Latency: 250 * time.Millisecond})
	throttle(t, worker, "key-1")

	// a second process skips the key the first one throttled
	h, err := other.Select(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-2", h.ID)

	// and reports what the first one observed
	snap := snapshot(t, other)
	assert.True(t, snap[0].IsThrottled)
	assert.Equal(t, int64(1), snap[0].FailureCount)
	assert.Equal(t, int64(1), snap[1].SuccessCount)
	assert.InDelta(t, 250.0, snap[1].AvgResponseTime, 0.1)
}

func TestRedisStore_HistoryFollowsSecretNotPosition(t *testing.T) {
	t.Parallel()

	client := newRedis(t)
	clock := newClock()
	before := keyhealth.New([]string{"alpha", "beta"}, keyhealth.Config{},
		keyhealth.WithClock(clock.Now), keyhealth.WithStore(keyhealth.NewRedisStore(client, "")))
	report(t, before, "key-2", keyhealth.Outcome{Success: true})

	after := keyhealth.New([]string{"beta", "alpha"}, keyhealth.Config{},
		keyhealth.WithClock(clock.Now), keyhealth.WithStore(keyhealth.NewRedisStore(client, "")))
	snap := snapshot(t, after)
	assert.Equal(t, int64(1), snap[0].SuccessCount, "beta is now key-1")
	assert.Equal(t, int64(0), snap[1].SuccessCount)
}

func TestRotationEnabled(t *testing.T) {
	t.Parallel()

	assert.False(t, keyhealth.New([]string{"a", "b"}, keyhealth.Config{}).RotationEnabled())
	assert.True(t, keyhealth.New([]string{"a", "b", "c"}, keyhealth.Config{}).RotationEnabled())
	assert.False(t, keyhealth.New([]string{"a", "a", "", "b"}, keyhealth.Config{}).RotationEnabled())
}

func keyID(i int) string {
	return "key-" + string(rune('0'+i))
}
