package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/internal/capability"
	"github.com/talosprotocol/talos/internal/config"
	"github.com/talosprotocol/talos/internal/gateway"
	"github.com/talosprotocol/talos/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport
// layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gateway      *gateway.Gateway
	Registry     *capability.Registry
	Audit        *audit.Aggregator
	Authenticate func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	ReadyHandler   http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass
// authentication; so does the hot authorize path, where the session id is
// the credential.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler)
	}
	if deps.ReadyHandler != nil {
		r.Get("/readyz", deps.ReadyHandler)
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, deps.MetricsHandler)
	}

	observed := func(r chi.Router) {
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(MetricsRecording(deps.Metrics))
		}
	}

	// Hot path: no bearer auth, decisions come from the session cache.
	r.Group(func(r chi.Router) {
		observed(r)
		r.Post("/v1/authorize", handleAuthorize(deps.Gateway))
		r.Get("/v1/health", handleGatewayHealth(deps.Gateway))
	})

	// Control plane: bearer-authenticated.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	admin := &adminDeps{
		gateway:          deps.Gateway,
		registry:         deps.Registry,
		audit:            deps.Audit,
		metrics:          deps.Metrics,
		sessionCacheSize: deps.Config.Gateway.SessionCacheSize,
		verifyCacheSize:  deps.Config.Gateway.VerifyCacheSize,
	}

	r.Group(func(r chi.Router) {
		observed(r)
		r.Use(auth)

		r.Post("/v1/tenants", admin.handleRegisterTenant())
		r.Get("/v1/tenants/{tenantID}/stats", admin.handleTenantStats())
		r.Post("/v1/tenants/{tenantID}/capabilities", admin.handleGrant())
		r.Post("/v1/tenants/{tenantID}/capabilities/{capabilityID}/delegate", admin.handleDelegate())
		r.Delete("/v1/tenants/{tenantID}/capabilities/{capabilityID}", admin.handleRevoke())
		r.Post("/v1/tenants/{tenantID}/sessions", admin.handleCacheSession())

		r.Get("/v1/audit/events", handleAuditQuery(deps.Audit))
		r.Get("/v1/audit/export", handleAuditExport(deps.Audit))
		r.Get("/v1/audit/stats", handleAuditStats(deps.Audit))
	})

	return r
}
