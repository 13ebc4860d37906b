package capability

import (
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/talosprotocol/talos/internal/crypto"
	"github.com/talosprotocol/talos/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	keys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}
	m, err := NewManager("did:talos:issuer", keys, Options{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func mustGrant(t *testing.T, m *Manager, subject string, scope model.Scope, delegatable bool) *model.Capability {
	t.Helper()
	cap, err := m.Grant(subject, scope, map[string]string{"paths": "/data/*"}, time.Hour, delegatable)
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	return cap
}

func verifyReason(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected a verify error")
	}
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error %T is not an ErrorEnvelope", err)
	}
	return ee.Reason
}

func TestGrantAndAuthorize(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)

	if cap.Issuer != "did:talos:issuer" || cap.Subject != "did:talos:agent" {
		t.Errorf("capability principals = %s/%s", cap.Issuer, cap.Subject)
	}
	if !cap.IsRoot() {
		t.Error("granted capability should be root")
	}
	if err := m.Verify(cap); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	allow := m.Authorize(cap, "fs", "read")
	if !allow.Allowed || allow.CapabilityID != cap.ID {
		t.Errorf("Authorize(fs, read) = %+v, want allowed", allow)
	}

	deny := m.Authorize(cap, "fs", "write")
	if deny.Allowed || deny.DenialReason != model.DenialScopeMismatch {
		t.Errorf("Authorize(fs, write) = %+v, want SCOPE_MISMATCH", deny)
	}
}

func TestGrantValidation(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Grant("subject", "not a scope", nil, time.Hour, false); !errors.Is(err, model.NewConfigError("")) {
		t.Errorf("malformed scope error = %v, want CONFIG_ERROR", err)
	}
	if _, err := m.Grant("subject", "tool:fs/method:read", nil, 0, false); !errors.Is(err, model.NewConfigError("")) {
		t.Errorf("zero expires_in error = %v, want CONFIG_ERROR", err)
	}
	if _, err := m.Grant("subject", "tool:fs/method:read", nil, -time.Minute, false); err == nil {
		t.Error("negative expires_in should fail")
	}
	if _, err := m.Grant("", "tool:fs/method:read", nil, time.Hour, false); err == nil {
		t.Error("empty subject should fail")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)

	tampered := *cap
	tampered.Scope = "tool:*/method:*"
	if reason := verifyReason(t, m.Verify(&tampered)); reason != model.DenialSignatureInvalid {
		t.Errorf("tampered capability reason = %s, want SIGNATURE_INVALID", reason)
	}
}

func TestVerifyExpiry(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if reason := verifyReason(t, m.Verify(cap)); reason != model.DenialExpired {
		t.Errorf("expired capability reason = %s, want EXPIRED", reason)
	}
	result := m.Authorize(cap, "fs", "read")
	if result.Allowed || result.DenialReason != model.DenialExpired {
		t.Errorf("Authorize() = %+v, want EXPIRED denial", result)
	}
}

func TestRevocation(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)

	m.Revoke(cap.ID)
	m.Revoke(cap.ID) // idempotent

	if reason := verifyReason(t, m.Verify(cap)); reason != model.DenialRevoked {
		t.Errorf("revoked capability reason = %s, want REVOKED", reason)
	}
	result := m.Authorize(cap, "fs", "read")
	if result.Allowed || result.DenialReason != model.DenialRevoked {
		t.Errorf("Authorize() = %+v, want REVOKED denial", result)
	}
}

func TestDelegation(t *testing.T) {
	m := newTestManager(t)
	root := mustGrant(t, m, "did:talos:agent", "tool:fs/method:*", true)

	child, err := m.Delegate(root, "did:talos:subagent", "tool:fs/method:read", 0, true)
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if child.Issuer != root.Subject {
		t.Errorf("child issuer = %s, want the delegating subject %s", child.Issuer, root.Subject)
	}
	if len(child.DelegationChain) != 1 || child.DelegationChain[0] != root.ID {
		t.Errorf("child chain = %v, want [%s]", child.DelegationChain, root.ID)
	}
	if child.ExpiresAt != root.ExpiresAt {
		t.Errorf("child inherits parent expiry: got %d, want %d", child.ExpiresAt, root.ExpiresAt)
	}
	if err := m.Verify(child); err != nil {
		t.Fatalf("Verify(child) error = %v", err)
	}
	if result := m.Authorize(child, "fs", "read"); !result.Allowed {
		t.Errorf("delegated capability should authorize its scope: %+v", result)
	}
	if result := m.Authorize(child, "fs", "write"); result.Allowed {
		t.Error("narrowed child must not authorize outside its scope")
	}
}

func TestDelegationRejectsWidening(t *testing.T) {
	m := newTestManager(t)
	root := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", true)

	_, err := m.Delegate(root, "did:talos:subagent", "tool:net/method:*", 0, false)
	if !errors.Is(err, model.NewScopeError("")) {
		t.Errorf("widening delegation error = %v, want SCOPE_ERROR", err)
	}
}

func TestDelegationNonDelegatableParent(t *testing.T) {
	m := newTestManager(t)
	root := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)

	if _, err := m.Delegate(root, "did:talos:subagent", "tool:fs/method:read", 0, true); err == nil {
		t.Error("non-delegatable parent should refuse delegation")
	}
}

func TestDelegatableIsLogicalAND(t *testing.T) {
	m := newTestManager(t)
	root := mustGrant(t, m, "did:talos:agent", "tool:fs/method:*", true)

	child, err := m.Delegate(root, "did:talos:subagent", "tool:fs/method:read", 0, false)
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if child.Delegatable {
		t.Error("child requested non-delegatable should not be delegatable")
	}
	if _, err := m.Delegate(child, "did:talos:subsub", "tool:fs/method:read", 0, true); err == nil {
		t.Error("non-delegatable child should refuse further delegation")
	}
}

func TestDelegationExpiryClamped(t *testing.T) {
	m := newTestManager(t)
	root := mustGrant(t, m, "did:talos:agent", "tool:fs/method:*", true)

	short, err := m.Delegate(root, "s2", "tool:fs/method:read", time.Minute, false)
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if short.ExpiresAt >= root.ExpiresAt {
		t.Error("shorter requested expiry should win")
	}

	long, err := m.Delegate(root, "s3", "tool:fs/method:read", 48*time.Hour, false)
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if long.ExpiresAt != root.ExpiresAt {
		t.Error("child expiry must never exceed the parent's")
	}
}

func TestDelegationDepthLimit(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "subject_0", "tool:fs/method:*", true)

	// Depth MaxDelegationDepth is accepted.
	var err error
	for i := 1; i <= model.MaxDelegationDepth; i++ {
		cap, err = m.Delegate(cap, fmt.Sprintf("subject_%d", i), "tool:fs/method:*", 0, true)
		if err != nil {
			t.Fatalf("Delegate() depth %d error = %v", i, err)
		}
	}
	if len(cap.DelegationChain) != model.MaxDelegationDepth {
		t.Fatalf("chain length = %d, want %d", len(cap.DelegationChain), model.MaxDelegationDepth)
	}
	if err := m.Verify(cap); err != nil {
		t.Fatalf("Verify() at depth limit error = %v", err)
	}

	// One more link exceeds the limit.
	if _, err := m.Delegate(cap, "one_too_many", "tool:fs/method:*", 0, true); err == nil {
		t.Fatal("delegation beyond the depth limit should fail")
	} else if ee := err.(*model.ErrorEnvelope); ee.Reason != model.DenialChainDepthExceeded {
		t.Errorf("reason = %s, want CHAIN_DEPTH_EXCEEDED", ee.Reason)
	}
}

func TestTransitiveRevocation(t *testing.T) {
	m := newTestManager(t)
	root := mustGrant(t, m, "s0", "tool:fs/method:*", true)
	mid, _ := m.Delegate(root, "s1", "tool:fs/method:*", 0, true)
	leaf, _ := m.Delegate(mid, "s2", "tool:fs/method:read", 0, false)

	// Revoking the root invalidates every descendant.
	m.Revoke(root.ID)

	for _, cap := range []*model.Capability{root, mid, leaf} {
		result := m.Authorize(cap, "fs", "read")
		if result.Allowed || result.DenialReason != model.DenialRevoked {
			t.Errorf("Authorize(%s) = %+v, want REVOKED", cap.ID, result)
		}
	}
}

func TestSessionFastPath(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)

	if result := m.Authorize(cap, "fs", "read"); !result.Allowed {
		t.Fatalf("full authorize failed: %+v", result)
	}
	sessionID := model.NewID()
	if err := m.CacheSession(sessionID, cap); err != nil {
		t.Fatalf("CacheSession() error = %v", err)
	}

	for i := 0; i < 100; i++ {
		result := m.AuthorizeFast(sessionID, "fs", "read")
		if !result.Allowed {
			t.Fatalf("call %d: %+v", i, result)
		}
	}

	deny := m.AuthorizeFast(sessionID, "fs", "write")
	if deny.Allowed || deny.DenialReason != model.DenialScopeMismatch {
		t.Errorf("fast path scope mismatch = %+v", deny)
	}
}

func TestFastPathUnknownSession(t *testing.T) {
	m := newTestManager(t)
	result := m.AuthorizeFast(model.NewID(), "fs", "read")
	if result.Allowed || result.DenialReason != model.DenialSessionUnknown {
		t.Errorf("unknown session = %+v, want SESSION_UNKNOWN", result)
	}
}

func TestRevocationReachesSessionCache(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)
	sessionID := model.NewID()
	m.CacheSession(sessionID, cap)

	if result := m.AuthorizeFast(sessionID, "fs", "read"); !result.Allowed {
		t.Fatalf("warm session should authorize: %+v", result)
	}

	m.Revoke(cap.ID)

	result := m.AuthorizeFast(sessionID, "fs", "read")
	if result.Allowed || result.DenialReason != model.DenialRevoked {
		t.Errorf("after Revoke() fast path = %+v, want REVOKED", result)
	}
}

func TestFastPathExpiredSession(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)
	sessionID := model.NewID()
	m.CacheSession(sessionID, cap)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	result := m.AuthorizeFast(sessionID, "fs", "read")
	if result.Allowed || result.DenialReason != model.DenialExpired {
		t.Errorf("expired session = %+v, want EXPIRED", result)
	}
}

func TestFastPathLatencyTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("latency measurement in -short mode")
	}
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", false)
	sessionID := model.NewID()
	m.CacheSession(sessionID, cap)

	// Warm up.
	for i := 0; i < 10; i++ {
		m.AuthorizeFast(sessionID, "fs", "read")
	}

	latencies := make([]int64, 100)
	for i := range latencies {
		result := m.AuthorizeFast(sessionID, "fs", "read")
		if !result.Allowed {
			t.Fatalf("call %d denied: %+v", i, result)
		}
		latencies[i] = result.LatencyUS
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	if p99 := latencies[98]; p99 >= 1000 {
		t.Errorf("fast path p99 = %dµs, want < 1000µs", p99)
	}
}

func TestSessionCacheEviction(t *testing.T) {
	keys, _ := crypto.GenerateSigningKeyPair()
	m, err := NewManager("did:talos:issuer", keys, Options{SessionCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	cap := mustGrant(t, m, "agent", "tool:fs/method:read", false)

	ids := make([]string, 6)
	for i := range ids {
		ids[i] = model.NewID()
		m.CacheSession(ids[i], cap)
	}
	if m.SessionCount() != 4 {
		t.Errorf("SessionCount() = %d, want 4", m.SessionCount())
	}
	// The oldest insertions were evicted.
	if result := m.AuthorizeFast(ids[0], "fs", "read"); result.Allowed {
		t.Error("evicted session should deny")
	}
	if result := m.AuthorizeFast(ids[5], "fs", "read"); !result.Allowed {
		t.Error("recent session should still authorize")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "did:talos:agent", "tool:fs/method:read", true)

	blob := m.Export(cap)
	imported, err := m.Import(blob)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if imported.ID != cap.ID || imported.Scope != cap.Scope {
		t.Errorf("imported capability differs: %+v", imported)
	}

	// A flipped byte in the payload must not import.
	blob[10] ^= 0xff
	if _, err := m.Import(blob); err == nil {
		t.Error("tampered blob should fail import")
	}
}

func TestManagerStats(t *testing.T) {
	m := newTestManager(t)
	cap := mustGrant(t, m, "agent", "tool:fs/method:read", false)
	m.CacheSession(model.NewID(), cap)
	m.Revoke("deadbeef")

	stats := m.Stats()
	if stats.IssuedCount != 1 || stats.RevokedCount != 1 || stats.SessionCount != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}
