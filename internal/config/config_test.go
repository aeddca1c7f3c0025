package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "sqlite://test.db")
	t.Setenv("FORGE_APP_ID", "123")
	t.Setenv("FORGE_PRIVATE_KEY_PATH", "/etc/bisectd/key.pem")
	t.Setenv("FORGE_WEBHOOK_SECRET", "s3cr3t")
}

func TestLoadFromEnvOnly(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://test.db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.ForgeAppID != 123 {
		t.Errorf("ForgeAppID = %d, want 123", cfg.ForgeAppID)
	}
	if cfg.Addr != defaultAddr {
		t.Errorf("Addr = %q, want default %q", cfg.Addr, defaultAddr)
	}
	if cfg.MaxConcurrentJobs != defaultMaxConcurrentJobs {
		t.Errorf("MaxConcurrentJobs = %d, want default %d", cfg.MaxConcurrentJobs, defaultMaxConcurrentJobs)
	}
	if cfg.BisectTimeout.Duration() != defaultBisectTimeout {
		t.Errorf("BisectTimeout = %v, want default %v", cfg.BisectTimeout.Duration(), defaultBisectTimeout)
	}
	if cfg.PendingGrace.Duration() != defaultPendingGrace {
		t.Errorf("PendingGrace = %v, want default %v", cfg.PendingGrace.Duration(), defaultPendingGrace)
	}
	if cfg.HeartbeatStale.Duration() != defaultHeartbeatStale {
		t.Errorf("HeartbeatStale = %v, want default %v", cfg.HeartbeatStale.Duration(), defaultHeartbeatStale)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error when required fields are unset")
	}
}

func TestEnvOverridesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bisectd.yaml")
	content := `database_url: sqlite://from-file.db
forge_app_id: 999
forge_private_key_path: /from-file.pem
forge_webhook_secret: from-file-secret
max_concurrent_jobs: 2
bisect_timeout: 90s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DATABASE_URL", "sqlite://from-env.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://from-env.db" {
		t.Errorf("DatabaseURL = %q, want env override to win", cfg.DatabaseURL)
	}
	if cfg.ForgeAppID != 999 {
		t.Errorf("ForgeAppID = %d, want 999 from file", cfg.ForgeAppID)
	}
	if cfg.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d, want 2 from file", cfg.MaxConcurrentJobs)
	}
	if cfg.BisectTimeout.Duration() != 90*time.Second {
		t.Errorf("BisectTimeout = %v, want 90s", cfg.BisectTimeout.Duration())
	}
}

func TestBisectTimeoutSecondsEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BISECT_TIMEOUT_SECONDS", "120")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.BisectTimeout.Duration() != 2*time.Minute {
		t.Errorf("BisectTimeout = %v, want 2m", cfg.BisectTimeout.Duration())
	}
}

func TestSchedulerTimingEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_INTERVAL_SECONDS", "5")
	t.Setenv("HEARTBEAT_PERIOD_SECONDS", "20")
	t.Setenv("PENDING_GRACE_SECONDS", "45")
	t.Setenv("HEARTBEAT_STALE_SECONDS", "600")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval.Duration() != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval.Duration())
	}
	if cfg.HeartbeatPeriod.Duration() != 20*time.Second {
		t.Errorf("HeartbeatPeriod = %v, want 20s", cfg.HeartbeatPeriod.Duration())
	}
	if cfg.PendingGrace.Duration() != 45*time.Second {
		t.Errorf("PendingGrace = %v, want 45s", cfg.PendingGrace.Duration())
	}
	if cfg.HeartbeatStale.Duration() != 10*time.Minute {
		t.Errorf("HeartbeatStale = %v, want 10m", cfg.HeartbeatStale.Duration())
	}
}

func TestValidateRejectsPendingGraceBelowFloor(t *testing.T) {
	cfg := &Config{
		DatabaseURL:         "sqlite://x.db",
		ForgeAppID:          1,
		ForgePrivateKeyPath: "key.pem",
		ForgeWebhookSecret:  "secret",
		MaxConcurrentJobs:   1,
		PendingGrace:        Duration(time.Second),
		HeartbeatStale:      Duration(defaultHeartbeatStale),
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for PendingGrace below the 30s floor")
	}
}

func TestValidateRejectsHeartbeatStaleBelowFloor(t *testing.T) {
	cfg := &Config{
		DatabaseURL:         "sqlite://x.db",
		ForgeAppID:          1,
		ForgePrivateKeyPath: "key.pem",
		ForgeWebhookSecret:  "secret",
		MaxConcurrentJobs:   1,
		PendingGrace:        Duration(defaultPendingGrace),
		HeartbeatStale:      Duration(time.Minute),
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for HeartbeatStale below the 5m floor")
	}
}

func TestSandboxBackendBareMetalEnvOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SANDBOX_BACKEND", "bare-metal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.SandboxBareMetal {
		t.Error("SandboxBareMetal = false, want true")
	}
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := &Config{
		DatabaseURL:         "sqlite://x.db",
		ForgeAppID:          1,
		ForgePrivateKeyPath: "key.pem",
		ForgeWebhookSecret:  "secret",
		MaxConcurrentJobs:   0,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive MaxConcurrentJobs")
	}
}
