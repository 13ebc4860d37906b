// Package tenant loads and validates tenant definitions from YAML files.
// A definition describes one isolation boundary declaratively; the gateway
// turns accepted definitions into live tenants at startup.
package tenant

import (
	"github.com/talosprotocol/talos/model"
)

// Definition is the YAML shape of one tenant.
type Definition struct {
	TenantID string `yaml:"tenant_id"`
	// IssuerID is the principal identity of the tenant's capability issuer.
	IssuerID     string                `yaml:"issuer_id"`
	AllowedTools []string              `yaml:"allowed_tools"`
	RateLimit    model.RateLimitConfig `yaml:"rate_limit"`
	// SessionCacheSize bounds the tenant's pre-validated session cache.
	SessionCacheSize int `yaml:"session_cache_size"`

	// Populated by the loader.
	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}
