package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/internal/capability"
	"github.com/talosprotocol/talos/internal/crypto"
	"github.com/talosprotocol/talos/internal/gateway"
	"github.com/talosprotocol/talos/internal/observability"
	"github.com/talosprotocol/talos/model"
)

// adminDeps bundles what the control-plane handlers need.
type adminDeps struct {
	gateway          *gateway.Gateway
	registry         *capability.Registry
	audit            *audit.Aggregator
	metrics          *observability.Metrics
	sessionCacheSize int
	verifyCacheSize  int
}

func (d *adminDeps) manager(w http.ResponseWriter, r *http.Request) (*capability.Manager, string, bool) {
	tenantID := chi.URLParam(r, "tenantID")
	mgr, ok := d.registry.Get(tenantID)
	if !ok {
		WriteError(w, model.NewTenantError("tenant %s is not registered", tenantID))
		return nil, tenantID, false
	}
	return mgr, tenantID, true
}

type tenantRequest struct {
	TenantID     string                `json:"tenant_id"`
	IssuerID     string                `json:"issuer_id"`
	AllowedTools []string              `json:"allowed_tools"`
	RateLimit    model.RateLimitConfig `json:"rate_limit"`
}

// handleRegisterTenant creates (or atomically replaces) a tenant. A new
// tenant gets a fresh capability manager with its own signing identity;
// re-registration keeps the existing manager so issued capabilities
// survive config changes.
func (d *adminDeps) handleRegisterTenant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tenantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}
		if req.TenantID == "" {
			WriteBadRequest(w, "tenant_id is required")
			return
		}

		mgr, exists := d.registry.Get(req.TenantID)
		if !exists {
			issuerID := req.IssuerID
			if issuerID == "" {
				issuerID = "did:talos:" + req.TenantID
			}
			keys, err := crypto.GenerateSigningKeyPair()
			if err != nil {
				WriteError(w, err)
				return
			}
			mgr, err = capability.NewManager(issuerID, keys, capability.Options{
				SessionCacheSize: d.sessionCacheSize,
				VerifyCacheSize:  d.verifyCacheSize,
			})
			if err != nil {
				WriteError(w, err)
				return
			}
			d.registry.Put(req.TenantID, mgr)
		}

		if err := d.gateway.RegisterTenant(model.TenantConfig{
			TenantID:     req.TenantID,
			Manager:      mgr,
			AllowedTools: req.AllowedTools,
			RateLimit:    req.RateLimit,
		}); err != nil {
			WriteError(w, err)
			return
		}

		status := http.StatusCreated
		if exists {
			status = http.StatusOK
		}
		WriteJSON(w, status, map[string]any{
			"tenant_id": req.TenantID,
			"issuer_id": mgr.IssuerID(),
		})
	}
}

func (d *adminDeps) handleTenantStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := d.gateway.GetTenantStats(chi.URLParam(r, "tenantID"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

type grantRequest struct {
	Subject          string            `json:"subject"`
	Scope            model.Scope       `json:"scope"`
	Constraints      map[string]string `json:"constraints"`
	ExpiresInSeconds int64             `json:"expires_in_seconds"`
	Delegatable      bool              `json:"delegatable"`
}

// capabilityResponse returns the issued token and its canonical wire
// encoding so holders can transport it opaquely.
type capabilityResponse struct {
	Capability *model.Capability `json:"capability"`
	Encoded    string            `json:"encoded"`
}

func (d *adminDeps) handleGrant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, tenantID, ok := d.manager(w, r)
		if !ok {
			return
		}
		var req grantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}

		cap, err := mgr.Grant(req.Subject, req.Scope, req.Constraints,
			time.Duration(req.ExpiresInSeconds)*time.Second, req.Delegatable)
		if err != nil {
			WriteError(w, err)
			return
		}

		d.audit.RecordGrant(tenantID, mgr.IssuerID(), req.Subject, cap.ID, cap.Scope)
		if d.metrics != nil {
			d.metrics.GrantsTotal.WithLabelValues(tenantID).Inc()
		}
		WriteJSON(w, http.StatusCreated, capabilityResponse{
			Capability: cap,
			Encoded:    base64.StdEncoding.EncodeToString(mgr.Export(cap)),
		})
	}
}

type delegateRequest struct {
	Subject          string      `json:"subject"`
	Scope            model.Scope `json:"scope"`
	ExpiresInSeconds int64       `json:"expires_in_seconds"`
	Delegatable      bool        `json:"delegatable"`
}

func (d *adminDeps) handleDelegate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, tenantID, ok := d.manager(w, r)
		if !ok {
			return
		}
		parent, found := mgr.Lookup(chi.URLParam(r, "capabilityID"))
		if !found {
			WriteError(w, model.NewTenantError("capability %s is not registered", chi.URLParam(r, "capabilityID")))
			return
		}
		var req delegateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}

		child, err := mgr.Delegate(parent, req.Subject, req.Scope,
			time.Duration(req.ExpiresInSeconds)*time.Second, req.Delegatable)
		if err != nil {
			WriteError(w, err)
			return
		}

		d.audit.RecordDelegation(tenantID, parent.Subject, req.Subject, child.ID, child.Scope)
		if d.metrics != nil {
			d.metrics.DelegationsTotal.WithLabelValues(tenantID).Inc()
		}
		WriteJSON(w, http.StatusCreated, capabilityResponse{
			Capability: child,
			Encoded:    base64.StdEncoding.EncodeToString(mgr.Export(child)),
		})
	}
}

func (d *adminDeps) handleRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, tenantID, ok := d.manager(w, r)
		if !ok {
			return
		}
		capabilityID := chi.URLParam(r, "capabilityID")
		reason := r.URL.Query().Get("reason")

		mgr.Revoke(capabilityID)

		agentID := mgr.IssuerID()
		if sub, _ := ClaimsFrom(r.Context())["sub"].(string); sub != "" {
			agentID = sub
		}
		d.audit.RecordRevocation(tenantID, agentID, capabilityID, reason)
		if d.metrics != nil {
			d.metrics.RevocationsTotal.WithLabelValues(tenantID).Inc()
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"capability_id": capabilityID,
			"revoked":       true,
		})
	}
}

type sessionRequest struct {
	SessionID    string `json:"session_id"`
	CapabilityID string `json:"capability_id"`
}

// handleCacheSession binds a session id to a verified capability, arming
// the fast path for subsequent authorize calls.
func (d *adminDeps) handleCacheSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mgr, _, ok := d.manager(w, r)
		if !ok {
			return
		}
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}
		cap, found := mgr.Lookup(req.CapabilityID)
		if !found {
			WriteError(w, model.NewTenantError("capability %s is not registered", req.CapabilityID))
			return
		}
		if err := mgr.Verify(cap); err != nil {
			WriteError(w, err)
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = model.NewID()
		}
		if err := mgr.CacheSession(sessionID, cap); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{
			"session_id":    sessionID,
			"capability_id": cap.ID,
			"expires_at":    cap.ExpiresAt,
		})
	}
}

func handleGatewayHealth(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, gw.GetHealth())
	}
}
