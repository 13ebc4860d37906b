// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talosprotocol/talos/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Tenants       TenantsConfig       `yaml:"tenants"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes verification of the bearer tokens presented on
// the admin and audit API. The hot authorize path does not use it: there
// the session id is the credential.
type IdentityConfig struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// Algorithm selects the accepted JWT signing algorithm: "HS256" with
	// Secret, or "EdDSA" with PublicKeyFile.
	Algorithm     string `yaml:"algorithm"`
	Secret        string `yaml:"secret"`
	PublicKeyFile string `yaml:"public_key_file"`
}

// TenantsConfig describes where tenant definition YAML files live.
type TenantsConfig struct {
	Directories []string `yaml:"directories"`
}

// GatewayConfig describes dispatcher-wide limits.
type GatewayConfig struct {
	SessionCacheSize int                   `yaml:"session_cache_size"`
	VerifyCacheSize  int                   `yaml:"verify_cache_size"`
	MaxSessions      int                   `yaml:"max_sessions"`
	DefaultRateLimit model.RateLimitConfig `yaml:"default_rate_limit"`
}

// AuditConfig describes the audit store backing the decision log.
type AuditConfig struct {
	// Store selects the backend: "memory" or "sqlite".
	Store     string `yaml:"store"`
	MaxEvents int    `yaml:"max_events"`
	// Path is the SQLite database file for the sqlite store.
	Path string `yaml:"path"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			Algorithm: "HS256",
		},
		Gateway: GatewayConfig{
			SessionCacheSize: model.DefaultSessionCacheSize,
			MaxSessions:      model.DefaultMaxSessions,
			DefaultRateLimit: model.DefaultRateLimit(),
		},
		Audit: AuditConfig{
			Store:     "memory",
			MaxEvents: model.DefaultAuditRingSize,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Identity.Algorithm {
	case "HS256":
		if c.Identity.Secret == "" {
			errs = append(errs, "identity.secret is required for HS256")
		}
	case "EdDSA":
		if c.Identity.PublicKeyFile == "" {
			errs = append(errs, "identity.public_key_file is required for EdDSA")
		}
	default:
		errs = append(errs, fmt.Sprintf("identity.algorithm %q is not supported (HS256, EdDSA)", c.Identity.Algorithm))
	}
	switch c.Audit.Store {
	case "memory":
	case "sqlite":
		if c.Audit.Path == "" {
			errs = append(errs, "audit.path is required for the sqlite store")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.store %q is not supported (memory, sqlite)", c.Audit.Store))
	}
	if c.Gateway.DefaultRateLimit.BurstSize < 0 || c.Gateway.DefaultRateLimit.RequestsPerSecond < 0 {
		errs = append(errs, "gateway.default_rate_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads TALOS_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TALOS_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TALOS_IDENTITY_SECRET"); v != "" {
		cfg.Identity.Secret = v
	}
	if v := os.Getenv("TALOS_AUDIT_STORE"); v != "" {
		cfg.Audit.Store = v
	}
	if v := os.Getenv("TALOS_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("TALOS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
