package model

import "fmt"

// Error codes for the closed set of failure variants. Authorization denials
// are not in this set: a denial is an AuthResult, never an error.
const (
	ErrCrypto    = "CRYPTO_ERROR"
	ErrScope     = "SCOPE_ERROR"
	ErrVerify    = "VERIFY_ERROR"
	ErrConfig    = "CONFIG_ERROR"
	ErrTenant    = "TENANT_ERROR"
	ErrRateLimit = "RATE_LIMIT_ERROR"
	ErrAudit     = "AUDIT_ERROR"
)

// ErrorEnvelope is the standard error shape carried between components and
// returned to API callers. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Reason carries the denial reason tag for VERIFY_ERROR values.
	Reason string `json:"reason,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes envelopes comparable by code with errors.Is.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	return ok && t.Code == e.Code
}

// NewCryptoError returns a CRYPTO_ERROR. Signature verification failure,
// tampered ciphertext, and wrong-key decryption all map here.
func NewCryptoError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrCrypto, Message: fmt.Sprintf(format, args...)}
}

// NewScopeError returns a SCOPE_ERROR for malformed scopes or failed
// narrowing.
func NewScopeError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrScope, Message: fmt.Sprintf(format, args...)}
}

// NewVerifyError returns a VERIFY_ERROR carrying the denial reason tag that
// explains why verification failed.
func NewVerifyError(reason string, format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrVerify, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// NewConfigError returns a CONFIG_ERROR.
func NewConfigError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfig, Message: fmt.Sprintf(format, args...)}
}

// NewTenantError returns a TENANT_ERROR.
func NewTenantError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTenant, Message: fmt.Sprintf(format, args...)}
}

// NewRateLimitError returns a RATE_LIMIT_ERROR.
func NewRateLimitError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRateLimit, Message: fmt.Sprintf(format, args...)}
}

// NewAuditError returns an AUDIT_ERROR. Audit failures are reported through
// a side channel and never flip an authorization decision.
func NewAuditError(format string, args ...any) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAudit, Message: fmt.Sprintf(format, args...)}
}
