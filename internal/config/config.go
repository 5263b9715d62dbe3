// Package config provides the configuration structure for the voice
// orchestrator.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// Defaults applied when optional settings are omitted.
const (
	DefaultVisibilityTimeoutSeconds = 120
	DefaultRetryDelaySeconds        = 60
	DefaultMaxAttempts              = 3
	DefaultWorkersPerQueue          = 4
	DefaultFetchBatch               = 16
	DefaultStoreRetentionHours      = 72
	DefaultArtifactRetentionHours   = 168
	DefaultHealthIntervalSeconds    = 300
	DefaultFailureThreshold         = 3
	DefaultCallTimeoutSeconds       = 30
	DefaultSchedulerTickSeconds     = 60
)

// Artifact store backends.
const (
	ArtifactBackendNATS = "nats"
	ArtifactBackendS3   = "s3"
)

// NATSConfig holds the broker connection settings.
type NATSConfig struct {
	URL string `toml:"url"`
}

// QueueConfig holds the task queue topology and retry policy.
type QueueConfig struct {
	StreamName               string `toml:"stream_name"`
	SubjectPrefix            string `toml:"subject_prefix"`
	VisibilityTimeoutSeconds int    `toml:"visibility_timeout_seconds"`
	RetryDelaySeconds        int    `toml:"retry_delay_seconds"`
	DefaultMaxAttempts       uint   `toml:"default_max_attempts"`
	WorkersPerQueue          int    `toml:"workers_per_queue"`
	FetchBatch               int    `toml:"fetch_batch"`
}

// StoreConfig holds the progress/result store settings.
type StoreConfig struct {
	Bucket         string `toml:"bucket"`
	RetentionHours int    `toml:"retention_hours"`
}

// S3Config holds the credentials for the S3 artifact backend.
type S3Config struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// ArtifactsConfig selects and configures the artifact store backend.
type ArtifactsConfig struct {
	Backend        string   `toml:"backend"`
	Bucket         string   `toml:"bucket"`
	RetentionHours int      `toml:"retention_hours"`
	S3             S3Config `toml:"s3"`
}

// PlatformConfig holds provider management settings.
type PlatformConfig struct {
	ProvidersFile          string              `toml:"providers_file"`
	HealthIntervalSeconds  int                 `toml:"health_interval_seconds"`
	FailureThreshold       uint                `toml:"failure_threshold"`
	CallTimeoutSeconds     int                 `toml:"call_timeout_seconds"`
	ReconcileEnabled       bool                `toml:"reconcile_enabled"`
	Priority               map[string][]string `toml:"priority"`
}

// SchedulerConfig holds the maintenance scheduler settings.
type SchedulerConfig struct {
	TableFile   string `toml:"table_file"`
	TickSeconds int    `toml:"tick_seconds"`
}

// EventsConfig holds the subjects for pipeline completion events.
type EventsConfig struct {
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
}

// MetricsConfig holds the Prometheus listener settings. An empty listen
// address disables the listener.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig holds the log file destination.
type LoggingConfig struct {
	Dir  string `toml:"dir"`
	File string `toml:"file"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Queue     QueueConfig     `toml:"queue"`
	Store     StoreConfig     `toml:"store"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Platform  PlatformConfig  `toml:"platform"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Events    EventsConfig    `toml:"events"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Load loads the configuration through the central configurator, applies
// defaults, and validates it.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills optional settings with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Queue.VisibilityTimeoutSeconds <= 0 {
		c.Queue.VisibilityTimeoutSeconds = DefaultVisibilityTimeoutSeconds
	}

	if c.Queue.RetryDelaySeconds <= 0 {
		c.Queue.RetryDelaySeconds = DefaultRetryDelaySeconds
	}

	if c.Queue.DefaultMaxAttempts == 0 {
		c.Queue.DefaultMaxAttempts = DefaultMaxAttempts
	}

	if c.Queue.WorkersPerQueue <= 0 {
		c.Queue.WorkersPerQueue = DefaultWorkersPerQueue
	}

	if c.Queue.FetchBatch <= 0 {
		c.Queue.FetchBatch = DefaultFetchBatch
	}

	if c.Store.RetentionHours <= 0 {
		c.Store.RetentionHours = DefaultStoreRetentionHours
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = ArtifactBackendNATS
	}

	if c.Artifacts.RetentionHours <= 0 {
		c.Artifacts.RetentionHours = DefaultArtifactRetentionHours
	}

	if c.Platform.HealthIntervalSeconds <= 0 {
		c.Platform.HealthIntervalSeconds = DefaultHealthIntervalSeconds
	}

	if c.Platform.FailureThreshold == 0 {
		c.Platform.FailureThreshold = DefaultFailureThreshold
	}

	if c.Platform.CallTimeoutSeconds <= 0 {
		c.Platform.CallTimeoutSeconds = DefaultCallTimeoutSeconds
	}

	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = DefaultSchedulerTickSeconds
	}
}

// Validate checks the settings no component can default its way around.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("%w: nats.url is required", core.ErrInvalidConfig)
	}

	if c.Queue.StreamName == "" {
		return fmt.Errorf("%w: queue.stream_name is required", core.ErrInvalidConfig)
	}

	if c.Queue.SubjectPrefix == "" {
		return fmt.Errorf("%w: queue.subject_prefix is required", core.ErrInvalidConfig)
	}

	if c.Store.Bucket == "" {
		return fmt.Errorf("%w: store.bucket is required", core.ErrInvalidConfig)
	}

	if c.Artifacts.Bucket == "" {
		return fmt.Errorf("%w: artifacts.bucket is required", core.ErrInvalidConfig)
	}

	if c.Artifacts.Backend != ArtifactBackendNATS && c.Artifacts.Backend != ArtifactBackendS3 {
		return fmt.Errorf(
			"%w: artifacts.backend must be %q or %q, got %q",
			core.ErrInvalidConfig,
			ArtifactBackendNATS,
			ArtifactBackendS3,
			c.Artifacts.Backend,
		)
	}

	if c.Artifacts.Backend == ArtifactBackendS3 && c.Artifacts.S3.Endpoint == "" {
		return fmt.Errorf(
			"%w: artifacts.s3.endpoint is required for the s3 backend",
			core.ErrInvalidConfig,
		)
	}

	return nil
}

// VisibilityTimeout returns the queue claim duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay before a retried task redelivers.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Queue.RetryDelaySeconds) * time.Second
}

// HealthInterval returns the health monitor probe cadence.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Platform.HealthIntervalSeconds) * time.Second
}

// CallTimeout returns the per-call deadline for adapter operations.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Platform.CallTimeoutSeconds) * time.Second
}

// SchedulerTick returns the scheduler polling cadence.
func (c *Config) SchedulerTick() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// StoreRetention returns the progress/result store retention window.
func (c *Config) StoreRetention() time.Duration {
	return time.Duration(c.Store.RetentionHours) * time.Hour
}

// ArtifactRetention returns the artifact retention window used by the
// maintenance janitor.
func (c *Config) ArtifactRetention() time.Duration {
	return time.Duration(c.Artifacts.RetentionHours) * time.Hour
}
