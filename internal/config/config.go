package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Portward configuration. Values come from PORTWARD_*
// environment variables with defaults, optionally overlaid by a YAML file
// pointed at by PORTWARD_CONFIG.
type Config struct {
	// Storage
	DBPath string `yaml:"db_path"`

	// Web
	WebPort string `yaml:"web_port"`

	// Schedulers
	CronTick             time.Duration `yaml:"cron_tick"`              // intent evaluator tick
	InitialSweepDelay    time.Duration `yaml:"initial_sweep_delay"`    // first sweep after boot with no prior run
	DefaultSweepInterval time.Duration `yaml:"default_sweep_interval"` // per-user default when no job config exists

	// Upgrades
	StopTimeout  time.Duration `yaml:"stop_timeout"`  // bounded container stop
	SettleWindow time.Duration `yaml:"settle_window"` // wait for the new container to reach running

	// Secrets
	SecretsKey string `yaml:"secrets_key"` // 32-byte hex key sealing stored credentials

	// Bootstrap: created on first start when the database has no users.
	AdminUser  string `yaml:"admin_user"`
	AdminToken string `yaml:"admin_token"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from environment variables, then overlays the
// YAML file named by PORTWARD_CONFIG if set.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:               envStr("PORTWARD_DB_PATH", "/data/portward.db"),
		WebPort:              envStr("PORTWARD_WEB_PORT", "8080"),
		CronTick:             envDuration("PORTWARD_CRON_TICK", time.Minute),
		InitialSweepDelay:    envDuration("PORTWARD_INITIAL_SWEEP_DELAY", 15*time.Second),
		DefaultSweepInterval: envDuration("PORTWARD_DEFAULT_SWEEP_INTERVAL", 6*time.Hour),
		StopTimeout:          envDuration("PORTWARD_STOP_TIMEOUT", 30*time.Second),
		SettleWindow:         envDuration("PORTWARD_SETTLE_WINDOW", 30*time.Second),
		SecretsKey:           envStr("PORTWARD_SECRETS_KEY", ""),
		AdminUser:            envStr("PORTWARD_ADMIN_USER", "admin"),
		AdminToken:           envStr("PORTWARD_ADMIN_TOKEN", ""),
		LogJSON:              envBool("PORTWARD_LOG_JSON", true),
		LogLevel:             envStr("PORTWARD_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("PORTWARD_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.CronTick <= 0 {
		errs = append(errs, fmt.Errorf("PORTWARD_CRON_TICK must be > 0, got %s", c.CronTick))
	}
	if c.DefaultSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("PORTWARD_DEFAULT_SWEEP_INTERVAL must be > 0, got %s", c.DefaultSweepInterval))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PORTWARD_STOP_TIMEOUT must be > 0, got %s", c.StopTimeout))
	}
	if c.SettleWindow < 0 {
		errs = append(errs, fmt.Errorf("PORTWARD_SETTLE_WINDOW must be >= 0, got %s", c.SettleWindow))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("PORTWARD_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
