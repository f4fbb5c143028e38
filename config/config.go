// Package config loads the gateway configuration: an optional YAML file
// overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peterbarone/claimtrackpro-web/horosafe"
	"github.com/peterbarone/claimtrackpro-web/observability"
	"github.com/peterbarone/claimtrackpro-web/shield"
)

// Config holds all gateway configuration.
type Config struct {
	Port          string              `yaml:"port"`
	LogLevel      string              `yaml:"log_level"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Cookie        CookieConfig        `yaml:"cookie"`
	Observability ObservabilityConfig `yaml:"observability"`
	MCP           MCPConfig           `yaml:"mcp"`

	// TrustedProxies lists the peers (IPs or CIDR prefixes) whose
	// X-Forwarded-For header names the client. Empty trusts nobody.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// UpstreamConfig describes the data API the gateway fronts.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	StaticToken string        `yaml:"static_token"` // used when a read carries no credential

	ServiceEmail    string `yaml:"service_email"`
	ServicePassword string `yaml:"service_password"`

	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// CookieConfig controls the credential cookie attributes.
type CookieConfig struct {
	Domain string `yaml:"domain"`
	Secure bool   `yaml:"secure"`
}

// ObservabilityConfig enables the sqlite event and metrics store. Empty
// DBPath disables it.
type ObservabilityConfig struct {
	DBPath          string                        `yaml:"db_path"`
	Retention       observability.RetentionConfig `yaml:"retention"`
	CleanupInterval time.Duration                 `yaml:"cleanup_interval"`
}

// MCPConfig controls the /mcp endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

func (c *Config) defaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 15 * time.Second
	}
	if c.Upstream.BreakerThreshold <= 0 {
		c.Upstream.BreakerThreshold = 5
	}
	if c.Upstream.BreakerResetTimeout <= 0 {
		c.Upstream.BreakerResetTimeout = 30 * time.Second
	}
	if c.Observability.CleanupInterval <= 0 {
		c.Observability.CleanupInterval = 6 * time.Hour
	}
	r := &c.Observability.Retention
	if r.HTTPLogsDays == 0 && r.EventLogsDays == 0 && r.MetricsDays == 0 {
		r.HTTPLogsDays, r.EventLogsDays, r.MetricsDays = 7, 30, 14
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the file at path (skipped when empty), applies the environment
// read through getenv, fills defaults and validates the result.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("UPSTREAM_URL", &c.Upstream.BaseURL)
	str("UPSTREAM_STATIC_TOKEN", &c.Upstream.StaticToken)
	str("UPSTREAM_SERVICE_EMAIL", &c.Upstream.ServiceEmail)
	str("UPSTREAM_SERVICE_PASSWORD", &c.Upstream.ServicePassword)
	str("COOKIE_DOMAIN", &c.Cookie.Domain)
	str("OBS_DB", &c.Observability.DBPath)

	if v := getenv("TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = strings.Split(v, ",")
	}
	if v := getenv("UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPSTREAM_TIMEOUT: %w", err)
		}
		c.Upstream.Timeout = d
	}
	for key, dst := range map[string]*bool{"COOKIE_SECURE": &c.Cookie.Secure, "MCP_ENABLED": &c.MCP.Enabled} {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("upstream.base_url is required (UPSTREAM_URL)")
	}
	if err := horosafe.ValidateHTTPURL(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream.base_url: %w", err)
	}
	if (c.Upstream.ServiceEmail == "") != (c.Upstream.ServicePassword == "") {
		return errors.New("upstream service account needs both email and password")
	}
	if _, err := shield.ParseProxies(c.TrustedProxies); err != nil {
		return err
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	return nil
}
