package bootstrap_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/grader/internal/config"
	"github.com/jonesrussell/north-cloud/grader/internal/keyhealth"
	"github.com/jonesrussell/north-cloud/grader/internal/logger"
	"github.com/jonesrussell/north-cloud/grader/internal/observability"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	return cfg
}

func TestNewKeyRegistry_WorkerOutcomesVisibleToAPI(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newRedis(t)
	cfg := config.ProviderConfig{APIKeys: []string{"sk-a", "sk-b", "sk-c"}}

	// separate processes build their own registries from the same config
	workerKeys := bootstrap.NewKeyRegistry(client, cfg)
	apiKeys := bootstrap.NewKeyRegistry(client, cfg)

	h, err := workerKeys.Select(ctx)
	require.NoError(t, err)
	require.NoError(t, workerKeys.Report(ctx, h, keyhealth.Outcome{RateLimited: true}))

	snap, err := apiKeys.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Equal(t, h.ID, snap[0].KeyID)
	assert.True(t, snap[0].IsThrottled)
	assert.Equal(t, int64(1), snap[0].FailureCount)
	assert.Equal(t, 1, keyhealth.Summarize(snap).ThrottledCount)

	// a second worker never picks the throttled key
	other := bootstrap.NewKeyRegistry(client, cfg)
	for range 4 {
		next, err := other.Select(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, h.ID, next.ID)
	}
}

func TestNewMetricsServer_ServesHealthAndMetricsOnly(t *testing.T) {
	cfg := loadDefaults(t)
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.ObserveProviderCall("key-1", "success", 0)

	app := &bootstrap.App{
		Config:   cfg,
		Log:      logger.NewNop(),
		Redis:    newRedis(t),
		Registry: reg,
		Metrics:  metrics,
	}
	srv := app.NewMetricsServer()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/metrics", http.StatusOK, "grader_provider_calls_total"},
		{"/health", http.StatusOK, "healthy"},
		{"/api/v1/admin/keys", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.wantCode, rec.Code, tt.path)
		if tt.contains != "" {
			assert.Contains(t, rec.Body.String(), tt.contains, tt.path)
		}
	}
}
