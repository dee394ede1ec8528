package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.Listen)
	}
	if cfg.Policy.PollInterval != 10*time.Second {
		t.Fatalf("expected default poll interval, got %v", cfg.Policy.PollInterval)
	}
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := []byte(`
listen: ":9999"
redis:
  host: "redis.internal"
  port: 6380
policy:
  base_path: "/opt/policies"
  poll_interval: 5s
`)
	if err := os.WriteFile(path, yamlBody, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Fatalf("expected overridden listen, got %q", cfg.Listen)
	}
	if cfg.Redis.Host != "redis.internal" || cfg.Redis.Port != 6380 {
		t.Fatalf("expected overridden redis config, got %+v", cfg.Redis)
	}
	if cfg.Policy.BasePath != "/opt/policies" || cfg.Policy.PollInterval != 5*time.Second {
		t.Fatalf("expected overridden policy config, got %+v", cfg.Policy)
	}
}

func TestApplyEnvOverridesRedisHost(t *testing.T) {
	t.Setenv("REDIS_HOST", "env-redis")
	cfg := defaults()
	cfg.applyEnvOverrides()
	if cfg.Redis.Host != "env-redis" {
		t.Fatalf("expected env override to apply, got %q", cfg.Redis.Host)
	}
}

func TestValidateRejectsMissingBasePath(t *testing.T) {
	cfg := defaults()
	cfg.Policy.BasePath = ""
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error for missing policy base_path")
	}
}

func TestValidateRejectsControlAuthWithoutKey(t *testing.T) {
	cfg := defaults()
	cfg.Control.Auth.Enabled = true
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error when control auth is enabled without an api_key")
	}
}
