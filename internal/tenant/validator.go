package tenant

import (
	"fmt"
	"strings"
)

// VError describes a single validation error in a tenant definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates tenant definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including cross-definition uniqueness of
// tenant ids.
func (v *Validator) Validate(defs []Definition) []VError {
	var errs []VError
	seen := make(map[string]string, len(defs))

	for i, def := range defs {
		prefix := fmt.Sprintf("tenants[%d]", i)
		errs = append(errs, v.validateDefinition(prefix, def)...)

		if def.TenantID != "" {
			if prev, dup := seen[def.TenantID]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".tenant_id",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("tenant %q already defined in %s", def.TenantID, prev),
				})
			} else {
				seen[def.TenantID] = def.SourceFile
			}
		}
	}
	return errs
}

func (v *Validator) validateDefinition(prefix string, def Definition) []VError {
	var errs []VError

	if def.TenantID == "" {
		errs = append(errs, VError{Path: prefix + ".tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if def.IssuerID == "" {
		errs = append(errs, VError{Path: prefix + ".issuer_id", Code: "REQUIRED", Message: "issuer_id is required"})
	}
	if def.RateLimit.BurstSize < 0 {
		errs = append(errs, VError{Path: prefix + ".rate_limit.burst_size", Code: "INVALID", Message: "burst_size must not be negative"})
	}
	if def.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, VError{Path: prefix + ".rate_limit.requests_per_second", Code: "INVALID", Message: "requests_per_second must not be negative"})
	}
	if def.SessionCacheSize < 0 {
		errs = append(errs, VError{Path: prefix + ".session_cache_size", Code: "INVALID", Message: "session_cache_size must not be negative"})
	}

	for j, pattern := range def.AllowedTools {
		if !validToolPattern(pattern) {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("%s.allowed_tools[%d]", prefix, j),
				Code:    "INVALID",
				Message: fmt.Sprintf("tool pattern %q is not an identifier or trailing-* pattern", pattern),
			})
		}
	}
	return errs
}

// validToolPattern admits identifiers (alphanumeric and underscore) with an
// optional trailing "*".
func validToolPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	body := strings.TrimSuffix(pattern, "*")
	if body == "" {
		return false
	}
	for _, r := range body {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
