package provider_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
	"github.com/jonesrussell/north-cloud/grader/internal/provider"
)

// scriptedBackend returns queued results and records the keys it saw.
type scriptedBackend struct {
	mu      sync.Mutex
	results []error
	keys    []string
	block   bool
}

func (b *scriptedBackend) Complete(ctx context.Context, apiKey string, _ *provider.Request) (*provider.Response, error) {
	b.mu.Lock()
	b.keys = append(b.keys, apiKey)
	var err error
	if len(b.results) > 0 {
		err = b.results[0]
		b.results = b.results[1:]
	}
	block := b.block
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &provider.Response{
		Content:     []provider.ContentBlock{provider.TextBlock("ok")},
		InputTokens: 3, OutputTokens: 4,
	}, nil
}

func newCaller(t *testing.T, backend provider.Backend, keys []string, opts ...provider.CallerOption) (*provider.Caller, *keyhealth.Registry) {
	t.Helper()
	reg := keyhealth.New(keys, keyhealth.Config{ThrottleBase: time.Minute})
	return provider.NewCaller(reg, backend, logger.NewNop(), opts...), reg
}

func metricsByID(t *testing.T, reg *keyhealth.Registry) map[string]keyhealth.KeyMetrics {
	t.Helper()
	snap, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	out := map[string]keyhealth.KeyMetrics{}
	for _, m := range snap {
		out[m.KeyID] = m
	}
	return out
}

func TestCall_SuccessReportsOutcome(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	m := observability.NewMetrics(prometheus.NewRegistry())
	caller, reg := newCaller(t, backend, []string{"secret-a"}, provider.WithMetrics(m))

	resp, err := caller.Call(context.Background(), &provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, "key-1", resp.KeyID)
	assert.Equal(t, "ok", resp.Text())
	assert.Equal(t, []string{"secret-a"}, backend.keys)

	km := metricsByID(t, reg)["key-1"]
	assert.Equal(t, int64(1), km.SuccessCount)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProviderCallsTotal.WithLabelValues("key-1", "success")), 1e-9)
}

func TestCall_RateLimitThrottlesKey(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{results: []error{
		&provider.Error{Kind: provider.Transient, StatusCode: 429, RateLimited: true, Message: "rate limited"},
	}}
	caller, reg := newCaller(t, backend, []string{"secret-a", "secret-b"})

	_, err := caller.Call(context.Background(), &provider.Request{})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))

	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 429, perr.StatusCode)

	km := metricsByID(t, reg)
	assert.True(t, km["key-1"].IsThrottled)
	assert.Equal(t, int64(1), km["key-1"].FailureCount)

	// the next call rotates to the healthy key
	_, err = caller.Call(context.Background(), &provider.Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"secret-a", "secret-b"}, backend.keys)
}

func TestCall_PermanentErrorDoesNotThrottle(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{results: []error{
		&provider.Error{Kind: provider.Permanent, StatusCode: 400, Message: "bad request"},
	}}
	caller, reg := newCaller(t, backend, []string{"secret-a"})

	_, err := caller.Call(context.Background(), &provider.Request{})
	require.Error(t, err)
	assert.False(t, provider.IsTransient(err))

	km := metricsByID(t, reg)["key-1"]
	assert.False(t, km.IsThrottled)
	assert.Equal(t, int64(1), km.FailureCount)
}

func TestCall_TimeoutIsTransientAndReported(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{block: true}
	caller, reg := newCaller(t, backend, []string{"secret-a"}, provider.WithTimeout(20*time.Millisecond))

	_, err := caller.Call(context.Background(), &provider.Request{})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	km := metricsByID(t, reg)["key-1"]
	assert.Equal(t, int64(1), km.FailureCount)
	assert.False(t, km.IsThrottled)
}

func TestCall_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{results: []error{errors.New("connection reset by peer")}}
	caller, _ := newCaller(t, backend, []string{"secret-a"})

	_, err := caller.Call(context.Background(), &provider.Request{})
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestCall_AllKeysThrottled(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	caller, reg := newCaller(t, backend, []string{"secret-a"})
	require.NoError(t, reg.Report(context.Background(), keyhealth.KeyHandle{ID: "key-1"}, keyhealth.Outcome{RateLimited: true}))

	_, err := caller.Call(context.Background(), &provider.Request{})
	require.Error(t, err)

	var throttled *provider.AllKeysThrottledError
	require.ErrorAs(t, err, &throttled)
	assert.False(t, throttled.RetryAt.IsZero())
	assert.True(t, provider.IsTransient(err))
	assert.True(t, provider.IsAllKeysThrottled(err))
	assert.ErrorIs(t, err, keyhealth.ErrNoKeyAvailable)
	assert.Empty(t, backend.keys, "no request may be sent without a key")
}

func TestCall_ConcurrentOutcomesAreCounted(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	caller, reg := newCaller(t, backend, []string{"a", "b", "c"})

	const calls = 60
	var wg sync.WaitGroup
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = caller.Call(context.Background(), &provider.Request{})
		}()
	}
	wg.Wait()

	snap, err := reg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(calls), keyhealth.Summarize(snap).TotalCalls)
}

func TestCall_CallerCancellationIsNotBlamedOnKey(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{block: true}
	caller, reg := newCaller(t, backend, []string{"secret-a"}, provider.WithTimeout(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := caller.Call(ctx, &provider.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	km := metricsByID(t, reg)["key-1"]
	assert.Equal(t, int64(0), km.FailureCount)
	assert.Equal(t, int64(0), km.SuccessCount)
	assert.InDelta(t, 1.0, km.HealthScore, 1e-9)
}
