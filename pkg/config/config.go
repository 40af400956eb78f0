// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Source, Pipeline, Postgres, Redis, Kafka, Snapshot, Versioning,
// Schedule, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Source     SourceConfig     `yaml:"source"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Versioning VersioningConfig `yaml:"versioning"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds settings for the control API HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// APITokens are the operator tokens accepted on mutating routes. Empty
	// disables authentication.
	APITokens []string `yaml:"apiTokens"`
	// TriggerRateLimit caps mutating requests per client per minute.
	TriggerRateLimit int `yaml:"triggerRateLimit"`
}

// SourceConfig describes the upstream picture-of-the-day API and the
// extractor's own retry budget.
type SourceConfig struct {
	BaseURL         string        `yaml:"baseUrl"`
	APIKey          string        `yaml:"apiKey"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	AttemptTimeout  time.Duration `yaml:"attemptTimeout"`
	BackoffUnit     time.Duration `yaml:"backoffUnit"`
	BreakerEnabled  bool          `yaml:"breakerEnabled"`
	BreakerFailures int           `yaml:"breakerFailures"`
	BreakerReset    time.Duration `yaml:"breakerReset"`
}

// PipelineConfig controls per-stage timeouts and whole-stage retries.
type PipelineConfig struct {
	StageTimeout time.Duration `yaml:"stageTimeout"`
	StageRetries int           `yaml:"stageRetries"`
	RetryDelay   time.Duration `yaml:"retryDelay"`
	// Registry selects the run-exclusivity backend: "memory" or "redis".
	Registry string        `yaml:"registry"`
	LeaseTTL time.Duration `yaml:"leaseTTL"`
	// RunStore selects where finished runs are kept: "memory" or "postgres".
	RunStore       string `yaml:"runStore"`
	RunHistorySize int    `yaml:"runHistorySize"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
	LeaseKey string `yaml:"leaseKey"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RunEvents string `yaml:"runEvents"`
	Triggers  string `yaml:"triggers"`
	// DeadLetters receives triggers whose handling failed. Empty disables.
	DeadLetters string `yaml:"deadLetters"`
}

// SnapshotConfig locates the tabular CSV artifact.
type SnapshotConfig struct {
	Path string `yaml:"path"`
}

// VersioningConfig controls the capture cache and the git repository the
// snapshot metadata is committed to.
type VersioningConfig struct {
	RepoDir     string `yaml:"repoDir"`
	CacheDir    string `yaml:"cacheDir"`
	AuthorName  string `yaml:"authorName"`
	AuthorEmail string `yaml:"authorEmail"`
}

// ScheduleConfig controls the trigger cadence.
type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	// Location is the IANA zone used to derive the logical date of a tick.
	Location string `yaml:"location"`
	// MaxStaleness degrades readiness when no run has succeeded for this
	// long. Zero disables the check.
	MaxStaleness time.Duration `yaml:"maxStaleness"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging of pipeline runs.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			ShutdownTimeout:  15 * time.Second,
			TriggerRateLimit: 10,
		},
		Source: SourceConfig{
			BaseURL:         "https://api.nasa.gov/planetary/apod",
			APIKey:          "DEMO_KEY",
			MaxAttempts:     3,
			AttemptTimeout:  10 * time.Second,
			BackoffUnit:     time.Second,
			BreakerEnabled:  true,
			BreakerFailures: 5,
			BreakerReset:    5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			StageTimeout:   30 * time.Minute,
			StageRetries:   2,
			RetryDelay:     5 * time.Minute,
			Registry:       "memory",
			LeaseTTL:       time.Minute,
			RunStore:       "memory",
			RunHistorySize: 100,
		},
		Postgres: PostgresConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			Database:        "apod",
			User:            "apod",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 4,
			LeaseKey: "apod:pipeline:active-run",
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "apod-pipeline",
			Topics: KafkaTopics{
				RunEvents:   "apod.runs",
				Triggers:    "apod.triggers",
				DeadLetters: "apod.triggers.dlq",
			},
		},
		Snapshot: SnapshotConfig{
			Path: "data/apod_data.csv",
		},
		Versioning: VersioningConfig{
			RepoDir:     ".",
			CacheDir:    ".cache/snapshots",
			AuthorName:  "APOD Pipeline",
			AuthorEmail: "pipeline@example.com",
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			Cron:         "@daily",
			Location:     "UTC",
			MaxStaleness: 48 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func (c *Config) validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.baseUrl is required")
	}
	if c.Source.MaxAttempts <= 0 {
		return fmt.Errorf("source.maxAttempts must be positive")
	}
	if c.Pipeline.StageRetries < 0 {
		return fmt.Errorf("pipeline.stageRetries must not be negative")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	switch c.Pipeline.Registry {
	case "memory", "redis":
	default:
		return fmt.Errorf("pipeline.registry: unknown backend %q", c.Pipeline.Registry)
	}
	switch c.Pipeline.RunStore {
	case "memory":
	case "postgres":
		if !c.Postgres.Enabled {
			return fmt.Errorf("pipeline.runStore=postgres requires postgres.enabled")
		}
	default:
		return fmt.Errorf("pipeline.runStore: unknown backend %q", c.Pipeline.RunStore)
	}
	if _, err := time.LoadLocation(c.Schedule.Location); err != nil {
		return fmt.Errorf("schedule.location: %w", err)
	}
	return nil
}

// applyEnvOverrides reads APOD_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APOD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APOD_SERVER_API_TOKENS"); v != "" {
		cfg.Server.APITokens = strings.Split(v, ",")
	}
	if v := os.Getenv("APOD_SOURCE_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("APOD_SOURCE_API_KEY"); v != "" {
		cfg.Source.APIKey = v
	}
	if v := os.Getenv("APOD_PIPELINE_REGISTRY"); v != "" {
		cfg.Pipeline.Registry = v
	}
	if v := os.Getenv("APOD_PIPELINE_STAGE_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.StageRetries = n
		}
	}
	if v := os.Getenv("APOD_PIPELINE_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.RetryDelay = d
		}
	}
	if v := os.Getenv("APOD_PIPELINE_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.StageTimeout = d
		}
	}
	if v := os.Getenv("APOD_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("APOD_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("APOD_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("APOD_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("APOD_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("APOD_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("APOD_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("APOD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("APOD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("APOD_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("APOD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("APOD_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("APOD_VERSIONING_REPO_DIR"); v != "" {
		cfg.Versioning.RepoDir = v
	}
	if v := os.Getenv("APOD_SCHEDULE_CRON"); v != "" {
		cfg.Schedule.Cron = v
	}
	if v := os.Getenv("APOD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("APOD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
