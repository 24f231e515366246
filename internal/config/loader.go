package config

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const envPrefix = "CLWORKER"

// Load reads configuration with the precedence: explicit file (if path is
// non-empty) > environment (CLWORKER_*) > defaults. Human-readable size
// strings ("10g") are resolved into byte fields before validation.
func Load(ctx context.Context, path string) (*Config, error) {
	_ = ctx

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyDerived(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.server", "https://worksheets.example.org")
	v.SetDefault("coordinator.request_timeout", 30*time.Second)

	v.SetDefault("worker.work_dir", "clworker-scratch")
	v.SetDefault("worker.max_concurrent_jobs", 4)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.drain_grace_period", 30*time.Second)

	v.SetDefault("capacity.cpus", runtime.NumCPU())
	v.SetDefault("capacity.memory", "8g")
	v.SetDefault("capacity.disk", "10g")

	v.SetDefault("cache.size_limit", "5g")

	v.SetDefault("lease.renew_margin", time.Duration(0))

	v.SetDefault("sandbox.output_byte_cap", int64(1<<20))
	v.SetDefault("sandbox.sample_interval", 500*time.Millisecond)

	v.SetDefault("retry.max_attempts", 8)
	v.SetDefault("retry.base_delay", 200*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.host", "localhost")
	v.SetDefault("health.port", 9090)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyDerived fills fields that depend on the host or on human-form inputs.
func applyDerived(cfg *Config) error {
	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.Worker.ID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}

	for _, f := range []struct {
		human string
		dst   *int64
	}{
		{cfg.Capacity.Memory, &cfg.Capacity.MemoryBytes},
		{cfg.Capacity.Disk, &cfg.Capacity.DiskBytes},
		{cfg.Cache.SizeLimit, &cfg.Cache.SizeLimitBytes},
	} {
		if f.human == "" {
			continue
		}
		n, err := ParseSize(f.human)
		if err != nil {
			return err
		}
		*f.dst = n
	}
	return nil
}

// ParseSize parses sizes like "3", "3k", "3m", "3g", "3t" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	case 't':
		mult = 1 << 40
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("size must be non-negative, got %d", n)
	}
	return n * mult, nil
}
