// Package config loads the process-level YAML configuration: listen
// addresses, Redis connection, TLS, logging, telemetry, and the
// hot-reloaded policy store's location and poll interval. This is
// distinct from the JSON policy directory itself (see internal/engine),
// which is reloaded on its own mtime-driven cadence independent of
// process restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all process-level configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Control   ControlConfig   `yaml:"control"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Redis     RedisConfig     `yaml:"redis"`
	Policy    PolicyConfig    `yaml:"policy"`
	Auditlog  AuditlogConfig  `yaml:"auditlog"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
}

// ControlConfig holds control-plane API configuration (/control/health,
// /control/reload, /control/policy/match, /control/auditlog).
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// TLSConfig holds TLS/HTTPS configuration for the inspection front door.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// LoggingConfig holds process logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// RedisConfig holds the KV store connection used by rate-limit and
// flow-control.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Shards lists additional store endpoints. It is parsed but nothing
	// routes keys across it: the store connects to Host:Port alone.
	Shards []string `yaml:"shards"`
}

// PolicyConfig locates and tunes the hot-reloaded JSON policy directory.
type PolicyConfig struct {
	BasePath     string        `yaml:"base_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AuditlogConfig configures the optional local SQLite audit trail.
type AuditlogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// GeoIPConfig locates the CIDR-table files backing country/city/ASN
// lookups.
type GeoIPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CountryFile string `yaml:"country_file"`
	CityFile    string `yaml:"city_file"`
	ASNFile     string `yaml:"asn_file"`
}

// Load reads and parses the configuration file, falling back to defaults
// when the file does not exist. Environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen: ":8080",
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "sentrywall",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		Policy: PolicyConfig{
			BasePath:     "/etc/sentrywall/policies",
			PollInterval: 10 * time.Second,
		},
		Auditlog: AuditlogConfig{
			Enabled:       false,
			Path:          "data/sentrywall-audit.db",
			RetentionDays: 30,
		},
		TLS: TLSConfig{
			Enabled:  false,
			CertFile: "",
			KeyFile:  "",
			AutoCert: false,
		},
		GeoIP: GeoIPConfig{
			Enabled: false,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SENTRYWALL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SENTRYWALL_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("SENTRYWALL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = d
		}
	}
	if v := os.Getenv("REDIS_USERNAME"); v != "" {
		c.Redis.Username = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if os.Getenv("SENTRYWALL_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SENTRYWALL_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("SENTRYWALL_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if v := os.Getenv("SENTRYWALL_POLICY_BASE_PATH"); v != "" {
		c.Policy.BasePath = v
	}
	if v := os.Getenv("SENTRYWALL_POLICY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Policy.PollInterval = d
		}
	}

	if os.Getenv("SENTRYWALL_AUDITLOG_ENABLED") == "true" {
		c.Auditlog.Enabled = true
	}
	if v := os.Getenv("SENTRYWALL_AUDITLOG_PATH"); v != "" {
		c.Auditlog.Path = v
	}

	if os.Getenv("SENTRYWALL_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
	if v := os.Getenv("SENTRYWALL_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("SENTRYWALL_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if os.Getenv("SENTRYWALL_TLS_AUTO_CERT") == "true" {
		c.TLS.AutoCert = true
	}

	if os.Getenv("SENTRYWALL_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("SENTRYWALL_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Policy.BasePath == "" {
		return fmt.Errorf("policy base_path is required")
	}
	if c.Policy.PollInterval <= 0 {
		return fmt.Errorf("policy poll_interval must be positive")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Control.Auth.Enabled && c.Control.Auth.APIKey == "" {
		return fmt.Errorf("control auth enabled but no api_key configured")
	}
	return nil
}
