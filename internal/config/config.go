package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/utafrali/catalog-sync/pkg/config"
)

// Config holds all configuration for the catalog-sync service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Ops HTTP server (health, metrics, admin).
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// Consumer runtime.
	ConsumerBatchSize      int `env:"PUBSUB_CONSUMER_BATCH_SIZE" envDefault:"10"`
	ConsumerPollIntervalMs int `env:"PUBSUB_CONSUMER_POLL_INTERVAL_MS" envDefault:"100"`
	ConsumerMaxRetries     int `env:"PUBSUB_CONSUMER_MAX_RETRIES" envDefault:"3"`
	ConsumerRetryDelayMs   int `env:"PUBSUB_CONSUMER_RETRY_DELAY_MS" envDefault:"1000"`
	DefaultWorkerCount     int `env:"PUBSUB_CONSUMER_DEFAULT_WORKER_COUNT" envDefault:"3"`

	// Outbox dispatcher.
	OutboxBatchSize            int `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxProcessingIntervalMs int `env:"OUTBOX_PROCESSING_INTERVAL_MS" envDefault:"5000"`
	OutboxRetryIntervalMs      int `env:"OUTBOX_RETRY_INTERVAL_MS" envDefault:"10000"`
	OutboxMaxRetries           int `env:"OUTBOX_MAX_RETRIES" envDefault:"5"`
	OutboxCleanupAfterDays     int `env:"OUTBOX_CLEANUP_AFTER_DAYS" envDefault:"7"`

	// Elasticsearch + reconciler.
	ElasticsearchURL      string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200"`
	ElasticsearchIndex    string `env:"ELASTICSEARCH_INDEX" envDefault:"catalog_products"`
	IndexEngine           string `env:"INDEX_ENGINE" envDefault:"elasticsearch"`
	SyncBatchSize         int    `env:"ELASTICSEARCH_SYNC_BATCH_SIZE" envDefault:"100"`
	ProjectorWorkers      int    `env:"ELASTICSEARCH_SYNC_CONSUMER_WORKERS" envDefault:"2"`
	IncrementalIntervalMs int    `env:"ELASTICSEARCH_SYNC_INCREMENTAL_INTERVAL_MS" envDefault:"300000"`

	// Write store.
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"catalog"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"catalog_secret"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"catalog"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	// Optional Kafka mirror of the in-process bus.
	KafkaMirrorEnabled bool     `env:"KAFKA_MIRROR_ENABLED" envDefault:"false"`
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Optional Redis-backed idempotency store for multi-instance projectors.
	RedisIdempotencyEnabled bool   `env:"REDIS_IDEMPOTENCY_ENABLED" envDefault:"false"`
	RedisAddr               string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Tracing.
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load catalog-sync config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants; wiring mistakes fail fast.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.ConsumerBatchSize < 1 {
		return fmt.Errorf("invalid consumer batch size: %d", c.ConsumerBatchSize)
	}
	if c.ConsumerMaxRetries < 0 {
		return fmt.Errorf("invalid consumer max retries: %d", c.ConsumerMaxRetries)
	}
	if c.OutboxBatchSize < 1 {
		return fmt.Errorf("invalid outbox batch size: %d", c.OutboxBatchSize)
	}
	if c.OutboxMaxRetries < 1 {
		return fmt.Errorf("invalid outbox max retries: %d", c.OutboxMaxRetries)
	}
	if c.ProjectorWorkers < 1 {
		return fmt.Errorf("invalid projector worker count: %d", c.ProjectorWorkers)
	}
	if c.IndexEngine != "elasticsearch" && c.IndexEngine != "memory" {
		return fmt.Errorf("invalid index engine: %q", c.IndexEngine)
	}
	if c.KafkaMirrorEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka mirror enabled but no brokers configured")
	}
	return nil
}

// ConsumerPollInterval returns the empty-poll backoff.
func (c *Config) ConsumerPollInterval() time.Duration {
	return time.Duration(c.ConsumerPollIntervalMs) * time.Millisecond
}

// ConsumerRetryDelay returns the worker retry backoff base.
func (c *Config) ConsumerRetryDelay() time.Duration {
	return time.Duration(c.ConsumerRetryDelayMs) * time.Millisecond
}

// OutboxProcessingInterval returns the fresh drain cadence.
func (c *Config) OutboxProcessingInterval() time.Duration {
	return time.Duration(c.OutboxProcessingIntervalMs) * time.Millisecond
}

// OutboxRetryInterval returns the retry drain cadence.
func (c *Config) OutboxRetryInterval() time.Duration {
	return time.Duration(c.OutboxRetryIntervalMs) * time.Millisecond
}

// OutboxCleanupAfter returns the janitor threshold.
func (c *Config) OutboxCleanupAfter() time.Duration {
	return time.Duration(c.OutboxCleanupAfterDays) * 24 * time.Hour
}

// IncrementalInterval returns the reconciler cadence.
func (c *Config) IncrementalInterval() time.Duration {
	return time.Duration(c.IncrementalIntervalMs) * time.Millisecond
}
