// Package config loads worker configuration from flags, environment, and an
// optional YAML config file via viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for a worker process.
//
// All components receive their slice of this struct by construction at
// startup; nothing reads configuration ambiently after Load returns.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Capacity    CapacityConfig    `mapstructure:"capacity"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Retry       RetryConfig       `mapstructure:"retry"`
	S3          S3Config          `mapstructure:"s3"`
	Health      HealthConfig      `mapstructure:"health"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// S3Config enables direct dependency fetches from an S3-compatible artifact
// store for dependency specs that carry s3:// URIs.
type S3Config struct {
	Enabled        bool   `mapstructure:"enabled"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	// AccessKeyID/SecretAccessKey override the SDK's default credential
	// chain when both are set.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// CoordinatorConfig describes how to reach the coordinator.
type CoordinatorConfig struct {
	// Server is the coordinator base URL, e.g. https://worksheets.example.org.
	Server string `mapstructure:"server"`

	// CredentialsFile is a YAML file holding username/password. If empty,
	// credentials are read from CLWORKER_USERNAME / CLWORKER_PASSWORD.
	CredentialsFile string `mapstructure:"credentials_file"`

	// RequestTimeout bounds individual coordinator calls.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WorkerConfig is the worker's identity and local layout.
type WorkerConfig struct {
	// ID is the identity advertised on claim. Defaults to <hostname>-<uuid[:8]>.
	ID string `mapstructure:"id"`

	// Tag allows the coordinator to schedule runs on specific workers.
	Tag string `mapstructure:"tag"`

	// WorkDir is the scratch root for sandboxes and the dependency cache.
	WorkDir string `mapstructure:"work_dir"`

	// MaxConcurrentJobs caps how many supervisors run at once.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`

	// PollInterval is the minimum spacing between claim polls.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// DrainGracePeriod is how long in-flight jobs get to finish on shutdown
	// before being force-terminated.
	DrainGracePeriod time.Duration `mapstructure:"drain_grace_period"`
}

// CapacityConfig is the total capacity this worker advertises.
type CapacityConfig struct {
	CPUs        int    `mapstructure:"cpus"`
	MemoryBytes int64  `mapstructure:"memory_bytes"`
	DiskBytes   int64  `mapstructure:"disk_bytes"`
	Memory      string `mapstructure:"memory"` // human form, e.g. "8g"; wins over memory_bytes if set
	Disk        string `mapstructure:"disk"`   // human form, e.g. "10g"
}

// CacheConfig bounds the dependency cache.
type CacheConfig struct {
	SizeLimitBytes int64  `mapstructure:"size_limit_bytes"`
	SizeLimit      string `mapstructure:"size_limit"` // human form, e.g. "5g"
}

// LeaseConfig tunes lease renewal.
type LeaseConfig struct {
	// RenewMargin is how long before expiry a renewal is sent. Zero means
	// one third of the lease TTL.
	RenewMargin time.Duration `mapstructure:"renew_margin"`
}

// SandboxConfig tunes sandbox execution.
type SandboxConfig struct {
	// OutputByteCap caps captured bytes per stream (stdout, stderr).
	OutputByteCap int64 `mapstructure:"output_byte_cap"`

	// SampleInterval is the resource tracker sampling period.
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// RetryConfig bounds transient-infrastructure retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// HealthConfig controls the local health endpoint.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig controls zap construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Validate checks cross-field constraints that viper defaults cannot express.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Coordinator.Server) == "" {
		errs = append(errs, errors.New("coordinator.server is required"))
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		errs = append(errs, fmt.Errorf("worker.max_concurrent_jobs must be positive, got %d", c.Worker.MaxConcurrentJobs))
	}
	if c.Capacity.CPUs <= 0 {
		errs = append(errs, fmt.Errorf("capacity.cpus must be positive, got %d", c.Capacity.CPUs))
	}
	if c.Capacity.MemoryBytes <= 0 {
		errs = append(errs, errors.New("capacity.memory must be positive"))
	}
	if c.Capacity.DiskBytes <= 0 {
		errs = append(errs, errors.New("capacity.disk must be positive"))
	}
	if c.Cache.SizeLimitBytes <= 0 {
		errs = append(errs, errors.New("cache.size_limit must be positive"))
	}
	if c.Sandbox.OutputByteCap <= 0 {
		errs = append(errs, errors.New("sandbox.output_byte_cap must be positive"))
	}
	if c.Sandbox.SampleInterval <= 0 {
		errs = append(errs, errors.New("sandbox.sample_interval must be positive"))
	}

	return errors.Join(errs...)
}
