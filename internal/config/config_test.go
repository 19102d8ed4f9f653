package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/grader/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	require.NotNil(t, cfg.Agent.ConfidenceThreshold)
	assert.InDelta(t, 0.7, *cfg.Agent.ConfidenceThreshold, 1e-9)
	assert.Equal(t, time.Hour, cfg.Progress.TTL)
	assert.Equal(t, 15*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 3, cfg.Provider.MinRotationKeys)
	assert.NotEmpty(t, cfg.Worker.ConsumerName)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
worker:
  concurrency: 1
provider:
  api_keys: [a, b]
queue:
  visibility_timeout: 2m
`)
	t.Setenv("GRADER_PROVIDER_API_KEYS", "k1, k2 ,,k3")
	t.Setenv("GRADER_WORKER_CONCURRENCY", "3")
	t.Setenv("GRADER_PROVIDER_THROTTLE_BASE", "20s")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.Provider.APIKeys)
	assert.Equal(t, 20*time.Second, cfg.Provider.ThrottleBase)
	assert.Equal(t, 2*time.Minute, cfg.Queue.VisibilityTimeout)
}

func TestLoad_ZeroConfidenceThresholdDisablesGate(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
agent:
  confidence_threshold: 0
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Agent.ConfidenceThreshold)
	assert.Zero(t, *cfg.Agent.ConfidenceThreshold)

	t.Setenv("GRADER_AGENT_CONFIDENCE_THRESHOLD", "0.55")
	cfg, err = config.Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.NotNil(t, cfg.Agent.ConfidenceThreshold)
	assert.InDelta(t, 0.55, *cfg.Agent.ConfidenceThreshold, 1e-9)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
worker:
  concurrency: 8
agent:
  confidence_threshold: 1.5
logging:
  level: loud
`)
	_, err := config.Load(path)
	require.Error(t, err)

	var verr *config.ValidationError
	require.True(t, errors.As(err, &verr))
	for _, field := range []string{"worker.concurrency", "agent.confidence_threshold", "logging.level"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := config.Load(writeConfig(t, "server: [unterminated"))
	require.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "explicit.yml", config.ResolvePath("explicit.yml"))

	t.Setenv("CONFIG_PATH", "/etc/grader.yml")
	assert.Equal(t, "/etc/grader.yml", config.ResolvePath(""))

	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, config.DefaultPath, config.ResolvePath(""))
}

func TestDatabaseConfig_URL(t *testing.T) {
	t.Parallel()

	db := config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "grader", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/grader?sslmode=disable", db.URL())
	assert.Contains(t, db.DSN(), "dbname=grader")
}
