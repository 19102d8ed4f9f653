package config

import (
	"fmt"
	"os"
	"time"
)

// Config is the complete grader configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Provider    ProviderConfig    `yaml:"provider"`
	Agent       AgentConfig       `yaml:"agent"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Progress    ProgressConfig    `yaml:"progress"`
	Session     SessionConfig     `yaml:"session"`
	Auth        AuthConfig        `yaml:"auth"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServiceConfig struct {
	Name        string `env:"GRADER_SERVICE_NAME" yaml:"name"`
	Version     string `env:"GRADER_VERSION"      yaml:"version"`
	Environment string `env:"APP_ENV"             yaml:"environment"`
}

// ServerConfig configures the HTTP API. WriteTimeout stays zero by default
// because SSE responses are long-lived.
type ServerConfig struct {
	Host            string        `env:"GRADER_HTTP_HOST"        yaml:"host"`
	Port            int           `env:"GRADER_HTTP_PORT"        yaml:"port"`
	ReadTimeout     time.Duration `env:"GRADER_READ_TIMEOUT"     yaml:"read_timeout"`
	WriteTimeout    time.Duration `env:"GRADER_WRITE_TIMEOUT"    yaml:"write_timeout"`
	IdleTimeout     time.Duration `env:"GRADER_IDLE_TIMEOUT"     yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `env:"GRADER_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `env:"GRADER_CORS_ORIGINS"     yaml:"cors_origins"`
}

func (s ServerConfig) Address() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

type DatabaseConfig struct {
	Host            string        `env:"POSTGRES_HOST"     yaml:"host"`
	Port            int           `env:"POSTGRES_PORT"     yaml:"port"`
	User            string        `env:"POSTGRES_USER"     yaml:"user"`
	Password        string        `env:"POSTGRES_PASSWORD" yaml:"password"`
	Name            string        `env:"POSTGRES_DB"       yaml:"name"`
	SSLMode         string        `env:"POSTGRES_SSLMODE"  yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN renders a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// URL renders the postgres URL golang-migrate expects.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type ProviderConfig struct {
	APIKeys          []string      `env:"GRADER_PROVIDER_API_KEYS"       yaml:"api_keys"`
	BaseURL          string        `env:"GRADER_PROVIDER_BASE_URL"       yaml:"base_url"`
	Model            string        `env:"GRADER_PROVIDER_MODEL"          yaml:"model"`
	MaxTokens        int           `env:"GRADER_PROVIDER_MAX_TOKENS"     yaml:"max_tokens"`
	RequestTimeout   time.Duration `env:"GRADER_PROVIDER_TIMEOUT"        yaml:"request_timeout"`
	MinRotationKeys  int           `env:"GRADER_PROVIDER_MIN_KEYS"       yaml:"min_rotation_keys"`
	ThrottleBase     time.Duration `env:"GRADER_PROVIDER_THROTTLE_BASE"  yaml:"throttle_base"`
	ThrottleMax      time.Duration `env:"GRADER_PROVIDER_THROTTLE_MAX"   yaml:"throttle_max"`
	LatencyReference time.Duration `yaml:"latency_reference"`
	KeyHealthPrefix  string        `yaml:"key_health_prefix"`
}

type AgentConfig struct {
	MaxSteps            int           `env:"GRADER_AGENT_MAX_STEPS"            yaml:"max_steps"`
	StepRetries         int           `env:"GRADER_AGENT_STEP_RETRIES"         yaml:"step_retries"`
	StepRetryDelay      time.Duration `yaml:"step_retry_delay"`
	ConfidenceThreshold *float64      `env:"GRADER_AGENT_CONFIDENCE_THRESHOLD" yaml:"confidence_threshold"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	SimilaritySample    int           `yaml:"similarity_sample"`
	ReferenceTopK       int           `yaml:"reference_top_k"`
}

type QueueConfig struct {
	StreamPrefix      string        `env:"GRADER_QUEUE_PREFIX"             yaml:"stream_prefix"`
	ConsumerGroup     string        `env:"GRADER_QUEUE_GROUP"              yaml:"consumer_group"`
	VisibilityTimeout time.Duration `env:"GRADER_QUEUE_VISIBILITY_TIMEOUT" yaml:"visibility_timeout"`
	MaxDeliveries     int           `yaml:"max_deliveries"`
	MaxAttempts       int           `env:"GRADER_QUEUE_MAX_ATTEMPTS"       yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BlockTimeout      time.Duration `yaml:"block_timeout"`
	PromoteInterval   time.Duration `yaml:"promote_interval"`
	DeadLetterMaxLen  int64         `yaml:"dead_letter_max_len"`
}

type WorkerConfig struct {
	Concurrency      int           `env:"GRADER_WORKER_CONCURRENCY" yaml:"concurrency"`
	JobTimeout       time.Duration `env:"GRADER_WORKER_JOB_TIMEOUT" yaml:"job_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	MaxJobsPerWindow int           `env:"GRADER_WORKER_MAX_JOBS"    yaml:"max_jobs_per_window"`
	Window           time.Duration `env:"GRADER_WORKER_WINDOW"      yaml:"window"`
	ConsumerName     string        `env:"GRADER_WORKER_NAME"        yaml:"consumer_name"`
	MetricsPort      int           `env:"GRADER_WORKER_METRICS_PORT" yaml:"metrics_port"`
}

type ProgressConfig struct {
	TTL               time.Duration `env:"GRADER_PROGRESS_TTL" yaml:"ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type SessionConfig struct {
	TTL      time.Duration `env:"GRADER_SESSION_TTL" yaml:"ttl"`
	MaxPairs int           `yaml:"max_pairs"`
}

type AuthConfig struct {
	JWTSecret    string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
	OperatorRole string `yaml:"operator_role"`
}

type ArchiveConfig struct {
	Enabled      bool   `env:"GRADER_ARCHIVE_ENABLED" yaml:"enabled"`
	Endpoint     string `env:"MINIO_ENDPOINT"         yaml:"endpoint"`
	AccessKey    string `env:"MINIO_ACCESS_KEY"       yaml:"access_key"`
	SecretKey    string `env:"MINIO_SECRET_KEY"       yaml:"secret_key"`
	Bucket       string `env:"GRADER_ARCHIVE_BUCKET"  yaml:"bucket"`
	UseSSL       bool   `env:"MINIO_USE_SSL"          yaml:"use_ssl"`
	FailSilently bool   `yaml:"fail_silently"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" yaml:"otlp_endpoint"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type ProfilingConfig struct {
	Enabled   bool   `env:"PYROSCOPE_ENABLED"    yaml:"enabled"`
	ServerURL string `env:"PYROSCOPE_SERVER_URL" yaml:"server_url"`
}

type MaintenanceConfig struct {
	Schedule string `env:"GRADER_MAINTENANCE_SCHEDULE" yaml:"schedule"`
}

type LoggingConfig struct {
	Level       string `env:"LOG_LEVEL"  yaml:"level"`
	Format      string `env:"LOG_FORMAT" yaml:"format"`
	Development bool   `env:"APP_DEBUG"  yaml:"development"`
}

// SetDefaults fills every unset value.
func (c *Config) SetDefaults() {
	setDefault(&c.Service.Name, "grader")
	setDefault(&c.Service.Version, "dev")
	setDefault(&c.Service.Environment, "development")

	setDefault(&c.Server.Host, "0.0.0.0")
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)

	setDefault(&c.Redis.Address, "localhost:6379")

	setDefault(&c.Database.Host, "localhost")
	setDefault(&c.Database.Port, 5432)
	setDefault(&c.Database.User, "postgres")
	setDefault(&c.Database.Name, "grader")
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.MaxOpenConns, 10)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.ConnMaxLifetime, 5*time.Minute)

	setDefault(&c.Provider.Model, "claude-sonnet-4-5")
	setDefault(&c.Provider.MaxTokens, 4096)
	setDefault(&c.Provider.RequestTimeout, 90*time.Second)
	setDefault(&c.Provider.MinRotationKeys, 3)
	setDefault(&c.Provider.ThrottleBase, 10*time.Second)
	setDefault(&c.Provider.ThrottleMax, 10*time.Minute)
	setDefault(&c.Provider.LatencyReference, 5*time.Second)

	setDefault(&c.Agent.MaxSteps, 10)
	setDefault(&c.Agent.StepRetries, 2)
	setDefault(&c.Agent.StepRetryDelay, 500*time.Millisecond)
	if c.Agent.ConfidenceThreshold == nil {
		threshold := 0.7
		c.Agent.ConfidenceThreshold = &threshold
	}
	setDefault(&c.Agent.SimilarityThreshold, 0.8)
	setDefault(&c.Agent.SimilaritySample, 20)
	setDefault(&c.Agent.ReferenceTopK, 3)

	setDefault(&c.Queue.StreamPrefix, "grader:jobs")
	setDefault(&c.Queue.ConsumerGroup, "graders")
	setDefault(&c.Queue.VisibilityTimeout, 5*time.Minute)
	setDefault(&c.Queue.MaxDeliveries, 3)
	setDefault(&c.Queue.MaxAttempts, 5)
	setDefault(&c.Queue.BackoffBase, 15*time.Second)
	setDefault(&c.Queue.BackoffMax, 5*time.Minute)
	setDefault(&c.Queue.BackoffMultiplier, 2.0)
	setDefault(&c.Queue.BlockTimeout, 5*time.Second)
	setDefault(&c.Queue.PromoteInterval, time.Second)
	setDefault(&c.Queue.DeadLetterMaxLen, int64(1000))

	setDefault(&c.Worker.Concurrency, 2)
	setDefault(&c.Worker.JobTimeout, 15*time.Minute)
	setDefault(&c.Worker.DrainTimeout, 30*time.Second)
	setDefault(&c.Worker.MaxJobsPerWindow, 10)
	setDefault(&c.Worker.Window, time.Minute)
	setDefault(&c.Worker.MetricsPort, 9091)
	if c.Worker.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "grader"
		}
		c.Worker.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	setDefault(&c.Progress.TTL, time.Hour)
	setDefault(&c.Progress.HeartbeatInterval, 15*time.Second)

	setDefault(&c.Session.TTL, 7*24*time.Hour)
	setDefault(&c.Session.MaxPairs, 50)

	setDefault(&c.Auth.OperatorRole, "operator")

	setDefault(&c.Archive.Bucket, "grading-transcripts")

	setDefault(&c.Telemetry.SampleRatio, 1.0)

	setDefault(&c.Maintenance.Schedule, "@every 30s")

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
