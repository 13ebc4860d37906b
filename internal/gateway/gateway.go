// Package gateway implements the multi-tenant dispatcher: per-tenant
// capability universes, tool allowlists, rate enforcement, and audit
// emission for every decision.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/internal/observability"
	"github.com/talosprotocol/talos/internal/ratelimit"
	"github.com/talosprotocol/talos/model"
)

// Status is the gateway lifecycle state.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// tenantState is the runtime form of one registered tenant.
type tenantState struct {
	cfg     model.TenantConfig
	limiter *ratelimit.SessionLimiter
}

// Options tunes a gateway beyond its required collaborators.
type Options struct {
	// MaxSessions bounds each tenant's rate-limiter bucket table.
	MaxSessions int
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Gateway dispatches authorization requests across tenants. The tenant
// registry is copy-on-write: the hot path reads it with one atomic load
// while registrations swap in a fresh map.
type Gateway struct {
	audit       *audit.Aggregator
	logger      *zap.Logger
	metrics     *observability.Metrics
	maxSessions int

	running atomic.Bool
	started atomic.Int64

	// registryMu serializes writers; readers go through the pointer.
	registryMu sync.Mutex
	tenants    atomic.Pointer[map[string]*tenantState]

	requests atomic.Uint64
}

// Health is the gateway health snapshot.
type Health struct {
	Status            Status `json:"status"`
	Tenants           int    `json:"tenants"`
	RequestsProcessed uint64 `json:"requests_processed"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

// TenantStats is the per-tenant runtime summary.
type TenantStats struct {
	TenantID     string                 `json:"tenant_id"`
	AllowedTools []string               `json:"allowed_tools"`
	RateLimiter  ratelimit.LimiterStats `json:"rate_limiter"`
	Sessions     int                    `json:"sessions"`
}

// New creates a stopped gateway writing decisions through the given audit
// aggregator.
func New(aggregator *audit.Aggregator, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		audit:       aggregator,
		logger:      logger,
		metrics:     opts.Metrics,
		maxSessions: opts.MaxSessions,
	}
	empty := make(map[string]*tenantState)
	g.tenants.Store(&empty)
	return g
}

// Start makes the gateway accept authorize calls.
func (g *Gateway) Start() {
	if g.running.CompareAndSwap(false, true) {
		g.started.Store(time.Now().Unix())
		g.logger.Info("gateway started")
	}
}

// Stop makes the gateway refuse authorize calls with UNAVAILABLE.
func (g *Gateway) Stop() {
	if g.running.CompareAndSwap(true, false) {
		g.logger.Info("gateway stopped")
	}
}

// Status returns the lifecycle state.
func (g *Gateway) Status() Status {
	if g.running.Load() {
		return StatusRunning
	}
	return StatusStopped
}

// RegisterTenant adds or atomically replaces a tenant. Re-registration
// swaps the whole tenant state, including a fresh rate limiter.
func (g *Gateway) RegisterTenant(cfg model.TenantConfig) error {
	if cfg.TenantID == "" {
		return model.NewTenantError("tenant id is required")
	}
	if cfg.Manager == nil {
		return model.NewTenantError("tenant %s has no capability manager", cfg.TenantID)
	}
	limit := cfg.RateLimit
	if limit.BurstSize <= 0 && limit.RequestsPerSecond <= 0 {
		limit = model.DefaultRateLimit()
	}

	state := &tenantState{
		cfg:     cfg,
		limiter: ratelimit.NewSessionLimiter(limit, g.maxSessions),
	}

	g.registryMu.Lock()
	current := *g.tenants.Load()
	_, replacing := current[cfg.TenantID]
	next := make(map[string]*tenantState, len(current)+1)
	for id, t := range current {
		next[id] = t
	}
	next[cfg.TenantID] = state
	g.tenants.Store(&next)
	g.registryMu.Unlock()

	change := "registered"
	if replacing {
		change = "replaced"
	}
	if _, err := g.audit.RecordTenantChange(cfg.TenantID, change); err != nil {
		g.recordAuditFailure(err)
	}
	if g.metrics != nil {
		g.metrics.RegisteredTenants.Set(float64(len(next)))
	}
	g.logger.Info("tenant "+change,
		zap.String("tenant_id", cfg.TenantID),
		zap.Strings("allowed_tools", cfg.AllowedTools),
	)
	return nil
}

// RemoveTenant drops a tenant from the registry.
func (g *Gateway) RemoveTenant(tenantID string) error {
	g.registryMu.Lock()
	current := *g.tenants.Load()
	if _, ok := current[tenantID]; !ok {
		g.registryMu.Unlock()
		return model.NewTenantError("tenant %s is not registered", tenantID)
	}
	next := make(map[string]*tenantState, len(current))
	for id, t := range current {
		if id != tenantID {
			next[id] = t
		}
	}
	g.tenants.Store(&next)
	g.registryMu.Unlock()

	if _, err := g.audit.RecordTenantChange(tenantID, "removed"); err != nil {
		g.recordAuditFailure(err)
	}
	if g.metrics != nil {
		g.metrics.RegisteredTenants.Set(float64(len(next)))
	}
	g.logger.Info("tenant removed", zap.String("tenant_id", tenantID))
	return nil
}

// Tenant returns a registered tenant's configuration.
func (g *Gateway) Tenant(tenantID string) (model.TenantConfig, bool) {
	state, ok := (*g.tenants.Load())[tenantID]
	if !ok {
		return model.TenantConfig{}, false
	}
	return state.cfg, true
}

// Authorize runs the dispatch pipeline: tenant lookup, tool allowlist, rate
// limit, capability decision, audit emission. The first failing stage
// terminates the pipeline; every outcome is audited with the end-to-end
// latency.
func (g *Gateway) Authorize(ctx context.Context, req *model.GatewayRequest) *model.GatewayResponse {
	start := time.Now()
	g.requests.Add(1)

	ctx, span := observability.Tracer().Start(ctx, "gateway.authorize")
	defer span.End()
	span.SetAttributes(
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrTool.String(req.Tool),
		observability.AttrMethod.String(req.Method),
	)

	verdict := g.decide(req)
	latency := time.Since(start).Microseconds()

	agentID := req.AgentID
	if agentID == "" {
		agentID = req.SessionID
	}
	if event, err := g.audit.RecordAuthorization(req.TenantID, agentID, req.Tool, req.Method,
		verdict.CapabilityID, verdict.Allowed, verdict.DenialReason, latency); err != nil {
		// An audit failure must not flip an authorize verdict; it is
		// surfaced through the side channel instead.
		g.recordAuditFailure(err)
	} else if g.metrics != nil {
		g.metrics.AuditEventsTotal.WithLabelValues(string(event.EventType)).Inc()
	}

	span.SetAttributes(observability.AttrAllowed.Bool(verdict.Allowed))
	if verdict.DenialReason != "" {
		span.SetAttributes(observability.AttrDenialReason.String(verdict.DenialReason))
	}
	g.observeDecision(req.TenantID, verdict, time.Since(start))

	if ce := g.logger.Check(zap.DebugLevel, "decision"); ce != nil {
		fields := observability.DecisionFields(req.TenantID, agentID, req.Tool, req.Method,
			verdict.Allowed, verdict.DenialReason)
		if len(req.Arguments) > 0 {
			fields = append(fields, zap.Any("arguments", observability.RedactArguments(req.Arguments, nil)))
		}
		ce.Write(fields...)
	}

	return &model.GatewayResponse{
		RequestID:    req.RequestID,
		Allowed:      verdict.Allowed,
		Error:        verdict.DenialReason,
		CapabilityID: verdict.CapabilityID,
		LatencyUS:    latency,
	}
}

// decide runs the pipeline stages up to the capability decision.
func (g *Gateway) decide(req *model.GatewayRequest) model.AuthResult {
	if !g.running.Load() {
		return model.Deny(model.DenialUnavailable)
	}

	state, ok := (*g.tenants.Load())[req.TenantID]
	if !ok {
		return model.Deny(model.DenialUnknownTenant)
	}

	if !state.cfg.ToolAllowed(req.Tool) {
		return model.Deny(model.DenialToolNotAllowed)
	}

	if !state.limiter.Allow(req.TenantID + "|" + req.SessionID) {
		if g.metrics != nil {
			g.metrics.RateLimitedTotal.WithLabelValues(req.TenantID).Inc()
		}
		return model.Deny(model.DenialRateLimited)
	}

	return state.cfg.Manager.AuthorizeFast(req.SessionID, req.Tool, req.Method)
}

func (g *Gateway) observeDecision(tenantID string, verdict model.AuthResult, elapsed time.Duration) {
	if g.metrics == nil {
		return
	}
	outcome := "allowed"
	if !verdict.Allowed {
		outcome = "denied"
		g.metrics.DenialsTotal.WithLabelValues(tenantID, verdict.DenialReason).Inc()
	}
	g.metrics.DecisionsTotal.WithLabelValues(tenantID, outcome).Inc()
	g.metrics.DecisionDuration.WithLabelValues(tenantID).Observe(elapsed.Seconds())
}

func (g *Gateway) recordAuditFailure(err error) {
	g.logger.Error("audit write failed", zap.Error(err))
	if g.metrics != nil {
		g.metrics.AuditWriteFailures.Inc()
	}
}

// GetHealth returns the gateway health snapshot.
func (g *Gateway) GetHealth() Health {
	h := Health{
		Status:            g.Status(),
		Tenants:           len(*g.tenants.Load()),
		RequestsProcessed: g.requests.Load(),
	}
	if started := g.started.Load(); started > 0 && g.running.Load() {
		h.UptimeSeconds = time.Now().Unix() - started
	}
	return h
}

// GetTenantStats returns the runtime summary of one tenant.
func (g *Gateway) GetTenantStats(tenantID string) (TenantStats, error) {
	state, ok := (*g.tenants.Load())[tenantID]
	if !ok {
		return TenantStats{}, model.NewTenantError("tenant %s is not registered", tenantID)
	}
	stats := TenantStats{
		TenantID:     tenantID,
		AllowedTools: state.cfg.AllowedTools,
		RateLimiter:  state.limiter.Stats(),
		Sessions:     state.cfg.Manager.SessionCount(),
	}
	if g.metrics != nil {
		g.metrics.ActiveSessions.WithLabelValues(tenantID).Set(float64(stats.Sessions))
	}
	return stats, nil
}
