package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
server:
  port: 9090
identity:
  issuer: https://auth.example.com
  audience: talos-gateway
  algorithm: HS256
  secret: test-secret
tenants:
  directories: ["/etc/talos/tenants"]
gateway:
  session_cache_size: 500
  default_rate_limit:
    burst_size: 20
    requests_per_second: 10
audit:
  store: sqlite
  path: /var/lib/talos/audit.db
observability:
  log_level: debug
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Gateway.SessionCacheSize != 500 {
		t.Errorf("SessionCacheSize = %d, want 500", cfg.Gateway.SessionCacheSize)
	}
	if cfg.Gateway.DefaultRateLimit.BurstSize != 20 {
		t.Errorf("BurstSize = %d, want 20", cfg.Gateway.DefaultRateLimit.BurstSize)
	}
	if cfg.Audit.Store != "sqlite" || cfg.Audit.Path == "" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	// Defaults survive partial files.
	if cfg.Server.ReadTimeout == 0 {
		t.Error("defaults should fill unset fields")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad port", content: "server:\n  port: 70000\nidentity:\n  secret: s\n"},
		{name: "missing HS256 secret", content: "identity:\n  algorithm: HS256\n"},
		{name: "unknown algorithm", content: "identity:\n  algorithm: none\n  secret: s\n"},
		{name: "sqlite without path", content: "identity:\n  secret: s\naudit:\n  store: sqlite\n"},
		{name: "unknown store", content: "identity:\n  secret: s\naudit:\n  store: lmdb\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TALOS_SERVER_PORT", "7070")
	t.Setenv("TALOS_OBSERVABILITY_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "identity:\n  secret: s\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Observability.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("missing file should fail")
	}
}
