package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CronTick != time.Minute {
		t.Errorf("CronTick = %s, want 1m", cfg.CronTick)
	}
	if cfg.DefaultSweepInterval != 6*time.Hour {
		t.Errorf("DefaultSweepInterval = %s, want 6h", cfg.DefaultSweepInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORTWARD_CRON_TICK", "30s")
	t.Setenv("PORTWARD_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CronTick != 30*time.Second {
		t.Errorf("CronTick = %s, want 30s", cfg.CronTick)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portward.yml")
	data := "web_port: \"9090\"\nstop_timeout: 45s\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORTWARD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WebPort != "9090" {
		t.Errorf("WebPort = %q, want 9090", cfg.WebPort)
	}
	if cfg.StopTimeout != 45*time.Second {
		t.Errorf("StopTimeout = %s, want 45s", cfg.StopTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{CronTick: 0, DefaultSweepInterval: time.Hour, StopTimeout: time.Second, LogLevel: "verbose"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero tick and bad log level")
	}
}
