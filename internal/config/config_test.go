package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_ADDR", "")
	t.Setenv("DEVICE_RESULT_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("expected default addr %s, got %s", DefaultAddr, cfg.Addr)
	}
	if cfg.ResultTimeout() != 90*time.Second {
		t.Errorf("expected 90s default timeout, got %s", cfg.ResultTimeout())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9999")
	t.Setenv("DEVICE_RESULT_TIMEOUT", "2.5")
	t.Setenv("DASHBOARD_PASSWORD", "hunter2")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.Addr)
	}
	if cfg.ResultTimeout() != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %s", cfg.ResultTimeout())
	}
	if cfg.DashboardPassword != "hunter2" {
		t.Error("password override not applied")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "addr: \":7070\"\nresult_timeout_seconds: 30\ndashboard_password: yamlpass\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.Addr)
	}
	if cfg.ResultTimeout() != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.ResultTimeout())
	}

	// Env still wins over the file.
	t.Setenv("SERVER_ADDR", ":8081")
	cfg, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8081" {
		t.Errorf("expected env override :8081, got %s", cfg.Addr)
	}
}

func TestLoadBadTimeout(t *testing.T) {
	t.Setenv("DEVICE_RESULT_TIMEOUT", "-5")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ResultTimeoutSecs != DefaultResultTimeoutSecs {
		t.Errorf("non-positive timeout should fall back to default, got %v", cfg.ResultTimeoutSecs)
	}
}
