// Package capability implements the capability manager: issuance,
// verification, delegation, revocation, and the pre-validated session fast
// path. One manager is the trust anchor of one tenant's capability
// universe.
package capability

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/talosprotocol/talos/internal/crypto"
	"github.com/talosprotocol/talos/model"
)

// Options tunes a manager. Zero values fall back to the defaults.
type Options struct {
	SessionCacheSize int
	VerifyCacheSize  int
	Logger           *zap.Logger
}

// Manager issues and evaluates capabilities for one issuer identity. All
// capabilities it registers are signed with the manager's key; the Issuer
// field records the delegating principal for chain linkage.
type Manager struct {
	issuerID string
	keys     *crypto.SigningKeyPair
	verify   *crypto.VerifyCache
	logger   *zap.Logger

	// issued is written on grant/delegate and read on every chain walk.
	issuedMu sync.RWMutex
	issued   map[string]*model.Capability

	// revoked is copy-on-write: the fast path reads it with a single atomic
	// load, and a revoke becomes visible to subsequent reads immediately
	// after the pointer swap.
	revoked atomic.Pointer[map[string]struct{}]

	sessions *sessionCache

	// now is replaceable in tests.
	now func() time.Time
}

// ManagerStats summarizes a manager's state.
type ManagerStats struct {
	IssuerID       string `json:"issuer_id"`
	IssuedCount    int    `json:"issued_count"`
	RevokedCount   int    `json:"revoked_count"`
	SessionCount   int    `json:"session_count"`
	VerifyCacheHit uint64 `json:"verify_cache_hits"`
}

// NewManager creates a manager for the given issuer identity and signing
// keypair.
func NewManager(issuerID string, keys *crypto.SigningKeyPair, opts Options) (*Manager, error) {
	if issuerID == "" {
		return nil, model.NewConfigError("issuer id is required")
	}
	if keys == nil {
		return nil, model.NewConfigError("signing keypair is required")
	}
	verifyCache, err := crypto.NewVerifyCache(opts.VerifyCacheSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		issuerID: issuerID,
		keys:     keys,
		verify:   verifyCache,
		logger:   logger,
		issued:   make(map[string]*model.Capability),
		sessions: newSessionCache(opts.SessionCacheSize),
		now:      time.Now,
	}
	empty := make(map[string]struct{})
	m.revoked.Store(&empty)
	return m, nil
}

// IssuerID returns the manager's issuer identity.
func (m *Manager) IssuerID() string { return m.issuerID }

// Grant constructs, signs, and registers a fresh root capability for
// subject. It fails with a ConfigError when the scope is malformed or
// expiresIn is not positive.
func (m *Manager) Grant(subject string, scope model.Scope, constraints map[string]string, expiresIn time.Duration, delegatable bool) (*model.Capability, error) {
	if subject == "" {
		return nil, model.NewConfigError("subject is required")
	}
	if expiresIn <= 0 {
		return nil, model.NewConfigError("expires_in must be positive, got %s", expiresIn)
	}
	if _, _, err := model.ParseScope(scope); err != nil {
		return nil, model.NewConfigError("malformed scope %q", scope)
	}

	now := m.now()
	cap := &model.Capability{
		ID:          model.NewID(),
		Issuer:      m.issuerID,
		Subject:     subject,
		Scope:       scope,
		Constraints: constraints,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(expiresIn).Unix(),
		Delegatable: delegatable,
	}
	cap.Signature = m.keys.Sign(crypto.SigningBytes(cap))

	m.issuedMu.Lock()
	m.issued[cap.ID] = cap
	m.issuedMu.Unlock()

	m.logger.Info("capability granted",
		zap.String("capability_id", cap.ID),
		zap.String("subject", subject),
		zap.String("scope", string(scope)),
		zap.Bool("delegatable", delegatable),
	)
	return cap, nil
}

// Delegate derives a child capability from parent for newSubject with a
// narrowed scope. expiresIn <= 0 inherits the parent's expiry; otherwise the
// child expires at min(parent expiry, now + expiresIn). The child is
// delegatable only when both the parent and the request say so. A scope
// that would widen the parent fails with a ScopeError.
func (m *Manager) Delegate(parent *model.Capability, newSubject string, narrowedScope model.Scope, expiresIn time.Duration, delegatable bool) (*model.Capability, error) {
	if newSubject == "" {
		return nil, model.NewConfigError("new subject is required")
	}
	if err := m.Verify(parent); err != nil {
		return nil, err
	}
	if !parent.Delegatable {
		return nil, model.NewVerifyError(model.DenialChainInvalid, "capability %s is not delegatable", parent.ID)
	}
	if len(parent.DelegationChain)+1 > model.MaxDelegationDepth {
		return nil, model.NewVerifyError(model.DenialChainDepthExceeded, "delegation depth %d exceeds limit %d", len(parent.DelegationChain)+1, model.MaxDelegationDepth)
	}

	scope, err := model.NarrowScope(parent.Scope, narrowedScope)
	if err != nil {
		return nil, err
	}

	now := m.now()
	expiresAt := parent.ExpiresAt
	if expiresIn > 0 {
		if requested := now.Add(expiresIn).Unix(); requested < expiresAt {
			expiresAt = requested
		}
	}

	chain := make([]string, 0, len(parent.DelegationChain)+1)
	chain = append(chain, parent.DelegationChain...)
	chain = append(chain, parent.ID)

	child := &model.Capability{
		ID:              model.NewID(),
		Issuer:          parent.Subject,
		Subject:         newSubject,
		Scope:           scope,
		Constraints:     parent.Constraints,
		IssuedAt:        now.Unix(),
		ExpiresAt:       expiresAt,
		Delegatable:     parent.Delegatable && delegatable,
		DelegationChain: chain,
	}
	child.Signature = m.keys.Sign(crypto.SigningBytes(child))

	m.issuedMu.Lock()
	m.issued[child.ID] = child
	m.issuedMu.Unlock()

	m.logger.Info("capability delegated",
		zap.String("capability_id", child.ID),
		zap.String("parent_id", parent.ID),
		zap.String("subject", newSubject),
		zap.String("scope", string(scope)),
		zap.Int("chain_depth", len(chain)),
	)
	return child, nil
}

// Verify checks a capability end to end: chain depth, signature, validity
// window, revocation (self and every ancestor), and, for non-root
// capabilities, the whole delegation chain. Each link must itself verify,
// cover the child's scope, be delegatable, and have its subject equal the
// next link's issuer.
func (m *Manager) Verify(cap *model.Capability) error {
	if cap == nil {
		return model.NewVerifyError(model.DenialNoCapability, "no capability presented")
	}
	if len(cap.DelegationChain) > model.MaxDelegationDepth {
		return model.NewVerifyError(model.DenialChainDepthExceeded, "delegation chain has %d links, limit %d", len(cap.DelegationChain), model.MaxDelegationDepth)
	}
	if !m.verify.Verify(crypto.SigningBytes(cap), cap.Signature, m.keys.PublicKey) {
		return model.NewVerifyError(model.DenialSignatureInvalid, "signature of %s does not verify", cap.ID)
	}
	if cap.ExpiredAt(m.now()) {
		return model.NewVerifyError(model.DenialExpired, "capability %s outside validity window", cap.ID)
	}
	if m.isRevoked(cap) {
		return model.NewVerifyError(model.DenialRevoked, "capability %s or an ancestor is revoked", cap.ID)
	}
	if cap.IsRoot() {
		return nil
	}
	return m.verifyChain(cap)
}

func (m *Manager) verifyChain(cap *model.Capability) error {
	m.issuedMu.RLock()
	defer m.issuedMu.RUnlock()

	child := cap
	// Walk ancestors newest first.
	for i := len(cap.DelegationChain) - 1; i >= 0; i-- {
		parent, ok := m.issued[cap.DelegationChain[i]]
		if !ok {
			return model.NewVerifyError(model.DenialChainInvalid, "unknown parent %s in chain of %s", cap.DelegationChain[i], cap.ID)
		}
		if !m.verify.Verify(crypto.SigningBytes(parent), parent.Signature, m.keys.PublicKey) {
			return model.NewVerifyError(model.DenialSignatureInvalid, "chain link %s does not verify", parent.ID)
		}
		if parent.ExpiredAt(m.now()) {
			return model.NewVerifyError(model.DenialExpired, "chain link %s outside validity window", parent.ID)
		}
		if !parent.Delegatable {
			return model.NewVerifyError(model.DenialChainInvalid, "chain link %s is not delegatable", parent.ID)
		}
		if !parent.Scope.Covers(child.Scope) {
			return model.NewVerifyError(model.DenialChainInvalid, "chain link %s does not cover scope %q", parent.ID, child.Scope)
		}
		if parent.Subject != child.Issuer {
			return model.NewVerifyError(model.DenialChainInvalid, "chain link %s subject does not match issuer of %s", parent.ID, child.ID)
		}
		child = parent
	}
	return nil
}

// Authorize is the full authorization path: verify the capability, then
// match its scope against the request. The result carries the measured
// latency in microseconds.
func (m *Manager) Authorize(cap *model.Capability, tool, method string) model.AuthResult {
	start := time.Now()
	result := m.authorize(cap, tool, method)
	result.LatencyUS = time.Since(start).Microseconds()
	return result
}

func (m *Manager) authorize(cap *model.Capability, tool, method string) model.AuthResult {
	if cap == nil {
		return model.Deny(model.DenialNoCapability)
	}
	if err := m.Verify(cap); err != nil {
		reason := model.DenialSignatureInvalid
		if ee, ok := err.(*model.ErrorEnvelope); ok && ee.Reason != "" {
			reason = ee.Reason
		}
		return model.Deny(reason)
	}
	if !cap.Scope.Matches(tool, method) {
		result := model.Deny(model.DenialScopeMismatch)
		result.CapabilityID = cap.ID
		return result
	}
	return model.Allow(cap.ID)
}

// CacheSession binds a session id to a capability after a successful full
// authorization, enabling the fast path.
func (m *Manager) CacheSession(sessionID string, cap *model.Capability) error {
	if sessionID == "" {
		return model.NewConfigError("session id is required")
	}
	if cap == nil {
		return model.NewConfigError("capability is required")
	}
	m.sessions.put(sessionID, cap)
	return nil
}

// AuthorizeFast is the session fast path: an O(1) cache lookup followed by
// constant-time scope, expiry, and revocation checks. A cache miss is a
// SESSION_UNKNOWN denial, never a fallback to the full path; callers retry
// through Authorize.
func (m *Manager) AuthorizeFast(sessionID, tool, method string) model.AuthResult {
	start := time.Now()
	result := m.authorizeFast(sessionID, tool, method)
	result.LatencyUS = time.Since(start).Microseconds()
	return result
}

func (m *Manager) authorizeFast(sessionID, tool, method string) model.AuthResult {
	entry, ok := m.sessions.get(sessionID)
	if !ok {
		return model.Deny(model.DenialSessionUnknown)
	}
	cap := entry.cap
	if cap.ExpiredAt(m.now()) {
		result := model.Deny(model.DenialExpired)
		result.CapabilityID = cap.ID
		return result
	}
	if m.isRevoked(cap) {
		result := model.Deny(model.DenialRevoked)
		result.CapabilityID = cap.ID
		return result
	}
	if !cap.Scope.Matches(tool, method) {
		result := model.Deny(model.DenialScopeMismatch)
		result.CapabilityID = cap.ID
		return result
	}
	return model.Allow(cap.ID)
}

// Revoke permanently invalidates a capability id. Revocation is idempotent
// and transitive: any capability whose chain contains the id is revoked
// with it. Once Revoke returns, no later authorize call admits the
// capability.
func (m *Manager) Revoke(capabilityID string) {
	for {
		current := m.revoked.Load()
		if _, already := (*current)[capabilityID]; already {
			return
		}
		next := make(map[string]struct{}, len(*current)+1)
		for id := range *current {
			next[id] = struct{}{}
		}
		next[capabilityID] = struct{}{}
		if m.revoked.CompareAndSwap(current, &next) {
			m.logger.Info("capability revoked", zap.String("capability_id", capabilityID))
			return
		}
	}
}

// isRevoked reports whether the capability or any ancestor is revoked.
func (m *Manager) isRevoked(cap *model.Capability) bool {
	revoked := *m.revoked.Load()
	if len(revoked) == 0 {
		return false
	}
	if _, ok := revoked[cap.ID]; ok {
		return true
	}
	for _, ancestor := range cap.DelegationChain {
		if _, ok := revoked[ancestor]; ok {
			return true
		}
	}
	return false
}

// DropSession removes a session binding, if present.
func (m *Manager) DropSession(sessionID string) {
	m.sessions.remove(sessionID)
}

// SessionCount returns the number of live cached sessions.
func (m *Manager) SessionCount() int {
	return m.sessions.len()
}

// Lookup returns a registered capability by id.
func (m *Manager) Lookup(capabilityID string) (*model.Capability, bool) {
	m.issuedMu.RLock()
	cap, ok := m.issued[capabilityID]
	m.issuedMu.RUnlock()
	return cap, ok
}

// Export encodes a capability for wire transport in the canonical format.
func (m *Manager) Export(cap *model.Capability) []byte {
	return crypto.Marshal(cap)
}

// Import decodes a wire-encoded capability and verifies it before returning.
func (m *Manager) Import(data []byte) (*model.Capability, error) {
	cap, err := crypto.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := m.Verify(cap); err != nil {
		return nil, err
	}
	return cap, nil
}

// Stats summarizes the manager's state.
func (m *Manager) Stats() ManagerStats {
	m.issuedMu.RLock()
	issued := len(m.issued)
	m.issuedMu.RUnlock()
	hits, _ := m.verify.Stats()
	return ManagerStats{
		IssuerID:       m.issuerID,
		IssuedCount:    issued,
		RevokedCount:   len(*m.revoked.Load()),
		SessionCount:   m.sessions.len(),
		VerifyCacheHit: hits,
	}
}
