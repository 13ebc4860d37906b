// Package integration provides a reusable test harness for end-to-end
// testing of the authorization gateway: a full HTTP server over an
// in-memory audit store with a test JWT issuer.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/internal/capability"
	"github.com/talosprotocol/talos/internal/config"
	"github.com/talosprotocol/talos/internal/gateway"
	"github.com/talosprotocol/talos/internal/transport"
	"github.com/talosprotocol/talos/model"
)

const (
	testIssuer   = "https://auth.test.talos.dev"
	testAudience = "talos-gateway-test"
	testSecret   = "integration-harness-secret"
)

// TestHarness encapsulates a fully wired gateway instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Gateway  *gateway.Gateway
	Registry *capability.Registry
	Store    *audit.MemoryStore
	Audit    *audit.Aggregator
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	auditRingSize int
	started       bool
}

// WithAuditRingSize bounds the in-memory audit store.
func WithAuditRingSize(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.auditRingSize = n
	}
}

// WithStopped leaves the gateway in the stopped state.
func WithStopped() HarnessOption {
	return func(c *harnessConfig) {
		c.started = false
	}
}

// NewTestHarness builds and starts a gateway HTTP server. The server is
// torn down with the test.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{auditRingSize: 10000, started: true}
	for _, opt := range opts {
		opt(hc)
	}

	cfg := config.Defaults()
	cfg.Identity = config.IdentityConfig{
		Issuer:    testIssuer,
		Audience:  testAudience,
		Algorithm: "HS256",
		Secret:    testSecret,
	}

	store := audit.NewMemoryStore(hc.auditRingSize)
	aggregator := audit.NewAggregator(store, 0, nil)
	gw := gateway.New(aggregator, gateway.Options{})
	if hc.started {
		gw.Start()
	}
	registry := capability.NewRegistry()

	authn, err := transport.NewAuthenticator(cfg.Identity)
	require.NoError(t, err, "building authenticator")

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Gateway:      gw,
		Registry:     registry,
		Audit:        aggregator,
		Authenticate: authn.Middleware,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:        t,
		server:   server,
		Gateway:  gw,
		Registry: registry,
		Store:    store,
		Audit:    aggregator,
	}
}

// GenerateToken returns a valid admin bearer token.
func (h *TestHarness) GenerateToken() string {
	return h.signToken(time.Now().Add(time.Hour), testSecret)
}

// GenerateExpiredToken returns a token whose expiry is in the past.
func (h *TestHarness) GenerateExpiredToken() string {
	return h.signToken(time.Now().Add(-time.Hour), testSecret)
}

// GenerateForgedToken returns a token signed with the wrong secret.
func (h *TestHarness) GenerateForgedToken() string {
	return h.signToken(time.Now().Add(time.Hour), "wrong-secret")
}

func (h *TestHarness) signToken(expiry time.Time, secret string) string {
	h.t.Helper()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "operator-1",
		"exp": jwt.NewNumericDate(expiry),
		"iat": jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(h.t, err, "signing test token")
	return signed
}

// Do issues a request against the harness server. An empty token omits the
// Authorization header.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(h.t, err, "marshaling request body")
	}
	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(payload))
	require.NoError(h.t, err, "building request")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// DecodeJSON reads and decodes a response body, closing it.
func DecodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading response body")
	var out T
	require.NoError(t, json.Unmarshal(data, &out), "decoding %s", data)
	return out
}

// RegisterTenant registers a tenant over the admin API.
func (h *TestHarness) RegisterTenant(tenantID string, allowedTools []string, limit *model.RateLimitConfig) {
	h.t.Helper()
	body := map[string]any{
		"tenant_id":     tenantID,
		"allowed_tools": allowedTools,
	}
	if limit != nil {
		body["rate_limit"] = limit
	}
	resp := h.Do(http.MethodPost, "/v1/tenants", h.GenerateToken(), body)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusCreated, resp.StatusCode, "registering tenant %s", tenantID)
}

// Grant issues a capability over the admin API and returns its id.
func (h *TestHarness) Grant(tenantID, subject string, scope model.Scope, expiresIn time.Duration, delegatable bool) string {
	h.t.Helper()
	resp := h.Do(http.MethodPost, "/v1/tenants/"+tenantID+"/capabilities", h.GenerateToken(), map[string]any{
		"subject":            subject,
		"scope":              scope,
		"expires_in_seconds": int64(expiresIn.Seconds()),
		"delegatable":        delegatable,
	})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode, "granting capability")
	body := DecodeJSON[map[string]any](h.t, resp)
	return body["capability"].(map[string]any)["id"].(string)
}

// CacheSession binds a fresh session to a capability and returns the
// session id.
func (h *TestHarness) CacheSession(tenantID, capabilityID string) string {
	h.t.Helper()
	resp := h.Do(http.MethodPost, "/v1/tenants/"+tenantID+"/sessions", h.GenerateToken(), map[string]any{
		"capability_id": capabilityID,
	})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode, "caching session")
	body := DecodeJSON[map[string]any](h.t, resp)
	return body["session_id"].(string)
}

// Authorize runs one decision through the hot path.
func (h *TestHarness) Authorize(tenantID, sessionID, tool, method string) *model.GatewayResponse {
	h.t.Helper()
	resp := h.Do(http.MethodPost, "/v1/authorize", "", &model.GatewayRequest{
		TenantID:  tenantID,
		SessionID: sessionID,
		Tool:      tool,
		Method:    method,
	})
	require.Equal(h.t, http.StatusOK, resp.StatusCode, "authorize")
	out := DecodeJSON[model.GatewayResponse](h.t, resp)
	return &out
}

// Revoke revokes a capability over the admin API.
func (h *TestHarness) Revoke(tenantID, capabilityID, reason string) {
	h.t.Helper()
	resp := h.Do(http.MethodDelete, "/v1/tenants/"+tenantID+"/capabilities/"+capabilityID+"?reason="+reason, h.GenerateToken(), nil)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusOK, resp.StatusCode, "revoking capability")
}
