package transport

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/talosprotocol/talos/internal/config"
)

// Authenticator verifies the bearer tokens presented on the admin and audit
// API. The hot authorize path never passes through it: there the session id
// is the credential, established by an earlier full authorization.
type Authenticator struct {
	issuer   string
	audience string
	method   string
	key      any
}

// NewAuthenticator builds a verifier from the identity configuration.
// HS256 uses the shared secret; EdDSA loads an Ed25519 public key from a
// PEM file.
func NewAuthenticator(cfg config.IdentityConfig) (*Authenticator, error) {
	a := &Authenticator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		method:   cfg.Algorithm,
	}
	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth: HS256 requires a secret")
		}
		a.key = []byte(cfg.Secret)
	case "EdDSA":
		key, err := loadEd25519PublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		a.key = key
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
	return a, nil
}

// Verify parses and validates a compact JWT, returning its claims.
func (a *Authenticator) Verify(tokenString string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		// Restricting the accepted algorithms defeats both "none" and
		// algorithm-confusion tokens.
		jwt.WithValidMethods([]string{a.method}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return a.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// verified claims in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			WriteUnauthorized(w, "missing bearer token")
			return
		}

		claims, err := a.Verify(token)
		if err != nil {
			WriteUnauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func loadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("auth: %s is not PEM", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key %s: %w", path, err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: %s does not hold an Ed25519 key", path)
	}
	return key, nil
}
