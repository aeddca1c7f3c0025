// Package config loads the settings one bisectd instance needs to start:
// environment variables first, with an optional YAML file providing
// defaults for anything the environment doesn't set.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved configuration for one instance. Every
// instance is fungible, so nothing here is instance-specific except
// WorkerID, which is always derived at startup rather than configured.
type Config struct {
	// DatabaseURL is a sqlite file path (optionally "sqlite://path") or a
	// postgres DSN ("postgres://..."). Required.
	DatabaseURL string `yaml:"database_url"`

	// Addr is the address ServeHTTP listens on.
	Addr string `yaml:"addr"`

	// MaxConcurrentJobs bounds how many bisections this instance runs at
	// once.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// BisectTimeout bounds a single job's wall-clock budget.
	BisectTimeout Duration `yaml:"bisect_timeout"`

	// PollInterval is how often the scheduler checks the store for
	// claimable work.
	PollInterval Duration `yaml:"poll_interval"`

	// HeartbeatPeriod is how often a running job's heartbeat is refreshed.
	HeartbeatPeriod Duration `yaml:"heartbeat_period"`

	// PendingGrace is how long a pending job sits unclaimed before it is
	// eligible for Claim; must be at least 30 seconds.
	PendingGrace Duration `yaml:"pending_grace"`

	// HeartbeatStale is how long a running job's heartbeat may go quiet
	// before the job is considered orphaned and eligible for re-claim;
	// must be at least 5 minutes.
	HeartbeatStale Duration `yaml:"heartbeat_stale"`

	// SandboxImage is the container image probes run in; empty selects
	// bare-metal execution instead.
	SandboxImage string `yaml:"sandbox_image"`

	// SandboxBareMetal forces bare-metal probe execution even when Docker
	// is reachable, for environments without a container runtime.
	SandboxBareMetal bool `yaml:"sandbox_bare_metal"`

	// ForgeAppID and ForgePrivateKeyPath identify the GitHub App used to
	// mint installation tokens.
	ForgeAppID          int64  `yaml:"forge_app_id"`
	ForgePrivateKeyPath string `yaml:"forge_private_key_path"`

	// ForgeWebhookSecret verifies inbound webhook signatures.
	ForgeWebhookSecret string `yaml:"forge_webhook_secret"`

	// EncryptionKey encrypts the forge client's in-memory cache of
	// installation tokens. Any non-empty string is accepted; the cipher key
	// is derived from it by hashing.
	EncryptionKey string `yaml:"encryption_key"`
}

const (
	defaultAddr              = ":8080"
	defaultMaxConcurrentJobs = 4
	defaultBisectTimeout     = 30 * time.Minute
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatPeriod   = 15 * time.Second
	defaultPendingGrace      = 30 * time.Second
	defaultHeartbeatStale    = 5 * time.Minute

	// minPendingGrace and minHeartbeatStale are the floors a configured
	// value may never go below: a shorter pending grace risks claiming a
	// job ingress hasn't finished committing, and a shorter heartbeat
	// staleness risks declaring a merely-slow instance orphaned.
	minPendingGrace   = 30 * time.Second
	minHeartbeatStale = 5 * time.Minute
)

// Duration wraps time.Duration so the YAML config file can write
// "90s"/"6h" instead of a raw nanosecond count.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load resolves configuration from environment variables, falling back to
// the values in an optional YAML file at path (if path is non-empty and
// the file exists) for anything the environment leaves unset, and
// finally to built-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Addr:              defaultAddr,
		MaxConcurrentJobs: defaultMaxConcurrentJobs,
		BisectTimeout:     Duration(defaultBisectTimeout),
		PollInterval:      Duration(defaultPollInterval),
		HeartbeatPeriod:   Duration(defaultHeartbeatPeriod),
		PendingGrace:      Duration(defaultPendingGrace),
		HeartbeatStale:    Duration(defaultHeartbeatStale),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			if err := decoder.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BISECTD_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("BISECT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BisectTimeout = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("HEARTBEAT_PERIOD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatPeriod = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("PENDING_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PendingGrace = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("HEARTBEAT_STALE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HeartbeatStale = Duration(time.Duration(n) * time.Second)
		}
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.SandboxImage = v
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v == "bare-metal" {
		cfg.SandboxBareMetal = true
	}
	if v := os.Getenv("FORGE_APP_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ForgeAppID = n
		}
	}
	if v := os.Getenv("FORGE_PRIVATE_KEY_PATH"); v != "" {
		cfg.ForgePrivateKeyPath = v
	}
	if v := os.Getenv("FORGE_WEBHOOK_SECRET"); v != "" {
		cfg.ForgeWebhookSecret = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
}

// Validate checks that the fields required to start an instance are set.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (set DATABASE_URL or database_url in the config file)")
	}
	if c.ForgeAppID == 0 {
		return errors.New("forge_app_id is required (set FORGE_APP_ID)")
	}
	if c.ForgePrivateKeyPath == "" {
		return errors.New("forge_private_key_path is required (set FORGE_PRIVATE_KEY_PATH)")
	}
	if c.ForgeWebhookSecret == "" {
		return errors.New("forge_webhook_secret is required (set FORGE_WEBHOOK_SECRET)")
	}
	if c.MaxConcurrentJobs <= 0 {
		return errors.New("max_concurrent_jobs must be positive")
	}
	if c.PendingGrace.Duration() < minPendingGrace {
		return fmt.Errorf("pending_grace must be at least %s", minPendingGrace)
	}
	if c.HeartbeatStale.Duration() < minHeartbeatStale {
		return fmt.Errorf("heartbeat_stale must be at least %s", minHeartbeatStale)
	}
	return nil
}
