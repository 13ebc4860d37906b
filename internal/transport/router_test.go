package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/internal/capability"
	"github.com/talosprotocol/talos/internal/config"
	"github.com/talosprotocol/talos/internal/gateway"
	"github.com/talosprotocol/talos/model"
)

type routerFixture struct {
	t      *testing.T
	server *httptest.Server
	token  string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Identity = testIdentity()

	agg := audit.NewAggregator(audit.NewMemoryStore(1000), 0, nil)
	gw := gateway.New(agg, gateway.Options{})
	gw.Start()

	authn, err := NewAuthenticator(cfg.Identity)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	router := NewRouter(Dependencies{
		Config:       cfg,
		Gateway:      gw,
		Registry:     capability.NewRegistry(),
		Audit:        agg,
		Authenticate: authn.Middleware,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &routerFixture{t: t, server: server, token: signTestToken(t, testSecret, nil)}
}

func (f *routerFixture) do(method, path, token string, body any) *http.Response {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		f.t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func (f *routerFixture) registerTenant(id string, tools []string) {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/v1/tenants", f.token, map[string]any{
		"tenant_id":     id,
		"allowed_tools": tools,
	})
	if resp.StatusCode != http.StatusCreated {
		f.t.Fatalf("register tenant status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func (f *routerFixture) grant(tenantID string, scope string) map[string]any {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/v1/tenants/"+tenantID+"/capabilities", f.token, map[string]any{
		"subject":            "did:talos:agent1",
		"scope":              scope,
		"expires_in_seconds": 3600,
		"delegatable":        true,
	})
	if resp.StatusCode != http.StatusCreated {
		f.t.Fatalf("grant status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](f.t, resp)
	return body["capability"].(map[string]any)
}

func (f *routerFixture) cacheSession(tenantID, capabilityID string) string {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/v1/tenants/"+tenantID+"/sessions", f.token, map[string]any{
		"capability_id": capabilityID,
	})
	if resp.StatusCode != http.StatusCreated {
		f.t.Fatalf("cache session status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](f.t, resp)
	return body["session_id"].(string)
}

func (f *routerFixture) authorize(tenantID, sessionID, tool, method string) *model.GatewayResponse {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/v1/authorize", "", &model.GatewayRequest{
		TenantID:  tenantID,
		SessionID: sessionID,
		Tool:      tool,
		Method:    method,
	})
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("authorize status = %d", resp.StatusCode)
	}
	out := decode[model.GatewayResponse](f.t, resp)
	return &out
}

func TestEndToEndAuthorizeFlow(t *testing.T) {
	f := newRouterFixture(t)
	f.registerTenant("acme", []string{"fs"})

	cap := f.grant("acme", "tool:fs/method:read")
	capID := cap["id"].(string)
	session := f.cacheSession("acme", capID)

	if resp := f.authorize("acme", session, "fs", "read"); !resp.Allowed {
		t.Fatalf("authorize = %+v, want allowed", resp)
	}
	if resp := f.authorize("acme", session, "fs", "write"); resp.Allowed || resp.Error != model.DenialScopeMismatch {
		t.Errorf("authorize write = %+v, want SCOPE_MISMATCH", resp)
	}
	if resp := f.authorize("acme", session, "admin", "delete"); resp.Error != model.DenialToolNotAllowed {
		t.Errorf("authorize admin = %+v, want TOOL_NOT_ALLOWED", resp)
	}

	// Revoke and watch the fast path go dark.
	resp := f.do(http.MethodDelete, "/v1/tenants/acme/capabilities/"+capID+"?reason=test", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	if out := f.authorize("acme", session, "fs", "read"); out.Allowed || out.Error != model.DenialRevoked {
		t.Errorf("after revoke = %+v, want REVOKED", out)
	}
}

func TestDelegateEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	f.registerTenant("acme", nil)
	cap := f.grant("acme", "tool:fs/method:*")
	capID := cap["id"].(string)

	resp := f.do(http.MethodPost, "/v1/tenants/acme/capabilities/"+capID+"/delegate", f.token, map[string]any{
		"subject": "did:talos:subagent",
		"scope":   "tool:fs/method:read",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("delegate status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	child := body["capability"].(map[string]any)
	chain := child["delegation_chain"].([]any)
	if len(chain) != 1 || chain[0].(string) != capID {
		t.Errorf("delegation_chain = %v", chain)
	}

	// Widening is rejected with a scope error.
	resp = f.do(http.MethodPost, "/v1/tenants/acme/capabilities/"+capID+"/delegate", f.token, map[string]any{
		"subject": "did:talos:subagent",
		"scope":   "tool:net/method:*",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("widening delegate status = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	f := newRouterFixture(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/tenants"},
		{http.MethodPost, "/v1/tenants/acme/capabilities"},
		{http.MethodGet, "/v1/audit/events"},
		{http.MethodGet, "/v1/audit/export"},
		{http.MethodGet, "/v1/audit/stats"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp := f.do(p.method, p.path, "", map[string]any{})
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestAuthorizeValidation(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(http.MethodPost, "/v1/authorize", "", map[string]any{"tenant_id": "acme"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("incomplete request status = %d, want 400", resp.StatusCode)
	}
}

func TestAuditEndpoints(t *testing.T) {
	f := newRouterFixture(t)
	f.registerTenant("acme", nil)
	cap := f.grant("acme", "tool:fs/method:read")
	session := f.cacheSession("acme", cap["id"].(string))

	for i := 0; i < 3; i++ {
		f.authorize("acme", session, "fs", "read")
	}
	f.authorize("acme", session, "fs", "write")

	t.Run("query", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/v1/audit/events?event_type=denial", f.token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("query status = %d", resp.StatusCode)
		}
		body := decode[map[string]any](t, resp)
		if int(body["count"].(float64)) != 1 {
			t.Errorf("denial count = %v, want 1", body["count"])
		}
	})

	t.Run("query rejects bad limit", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/v1/audit/events?limit=zero", f.token, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("stats", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/v1/audit/stats", f.token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("stats status = %d", resp.StatusCode)
		}
		stats := decode[model.AuditStats](t, resp)
		if stats.DenialCount != 1 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("export csv", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/v1/audit/export?format=csv", f.token, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("export status = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
			t.Errorf("Content-Type = %q", ct)
		}
	})

	t.Run("export rejects unknown format", func(t *testing.T) {
		resp := f.do(http.MethodGet, "/v1/audit/export?format=xml", f.token, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestCorrelationIDHeader(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.do(http.MethodGet, "/v1/health", "", nil)
	defer resp.Body.Close()
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("response should carry a correlation id")
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/v1/health", nil)
	req.Header.Set("X-Correlation-Id", "fixed-id-123")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if got := resp2.Header.Get("X-Correlation-Id"); got != "fixed-id-123" {
		t.Errorf("correlation id = %q, want the caller's", got)
	}
}

func TestTenantStatsEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	f.registerTenant("acme", []string{"fs"})
	cap := f.grant("acme", "tool:fs/method:read")
	session := f.cacheSession("acme", cap["id"].(string))
	f.authorize("acme", session, "fs", "read")

	resp := f.do(http.MethodGet, "/v1/tenants/acme/stats", f.token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	stats := decode[gateway.TenantStats](t, resp)
	if stats.TenantID != "acme" || stats.Sessions != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp = f.do(http.MethodGet, "/v1/tenants/nobody/stats", f.token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tenant status = %d, want 404", resp.StatusCode)
	}
}

func TestGrantValidationOverHTTP(t *testing.T) {
	f := newRouterFixture(t)
	f.registerTenant("acme", nil)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{
			name: "malformed scope",
			body: map[string]any{"subject": "s", "scope": "garbage", "expires_in_seconds": 60},
			want: http.StatusBadRequest,
		},
		{
			name: "zero expiry",
			body: map[string]any{"subject": "s", "scope": "tool:fs/method:read"},
			want: http.StatusBadRequest,
		},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", i, tt.name), func(t *testing.T) {
			resp := f.do(http.MethodPost, "/v1/tenants/acme/capabilities", f.token, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
