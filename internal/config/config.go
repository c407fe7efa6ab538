// Package config loads server configuration from an optional YAML file plus
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default HTTP listen address.
	DefaultAddr = ":5006"
	// DefaultResultTimeoutSecs bounds each dispatch-and-wait cycle.
	DefaultResultTimeoutSecs = 90
)

// Config holds the server settings.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// ResultTimeoutSecs is how long a chat turn waits for a device result.
	ResultTimeoutSecs float64 `yaml:"result_timeout_seconds"`
	// DashboardPassword gates the dashboard API routes. Empty disables the
	// session gate (device wire routes are always open).
	DashboardPassword string `yaml:"dashboard_password"`
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variable overrides (SERVER_ADDR,
// DEVICE_RESULT_TIMEOUT, DASHBOARD_PASSWORD).
func Load() (*Config, error) {
	cfg := &Config{
		Addr:              DefaultAddr,
		ResultTimeoutSecs: DefaultResultTimeoutSecs,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if raw := os.Getenv("DEVICE_RESULT_TIMEOUT"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DEVICE_RESULT_TIMEOUT %q: %w", raw, err)
		}
		cfg.ResultTimeoutSecs = secs
	}
	if pw := os.Getenv("DASHBOARD_PASSWORD"); pw != "" {
		cfg.DashboardPassword = pw
	}

	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ResultTimeoutSecs <= 0 {
		cfg.ResultTimeoutSecs = DefaultResultTimeoutSecs
	}
	return cfg, nil
}

// ResultTimeout returns the dispatch-and-wait deadline as a duration.
func (c *Config) ResultTimeout() time.Duration {
	return time.Duration(c.ResultTimeoutSecs * float64(time.Second))
}
