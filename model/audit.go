package model

import "time"

// AuditEventType classifies entries in the audit stream.
type AuditEventType string

// Event taxonomy. Authorizations and denials are the write-dominant types;
// the rest record control-plane changes.
const (
	AuditAuthorization AuditEventType = "authorization"
	AuditDenial        AuditEventType = "denial"
	AuditGrant         AuditEventType = "grant"
	AuditDelegation    AuditEventType = "delegation"
	AuditRevocation    AuditEventType = "revocation"
	AuditTenantChange  AuditEventType = "tenant_change"
)

// AuditEvent is an immutable record of a decision or control-plane change.
// EventID is strictly monotonic within a store and equals insertion order.
type AuditEvent struct {
	EventID      uint64         `json:"event_id"`
	UID          string         `json:"uid"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    AuditEventType `json:"event_type"`
	TenantID     string         `json:"tenant_id,omitempty"`
	AgentID      string         `json:"agent_id,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Method       string         `json:"method,omitempty"`
	CapabilityID string         `json:"capability_id,omitempty"`
	Allowed      bool           `json:"allowed"`
	DenialReason string         `json:"denial_reason,omitempty"`
	LatencyUS    int64          `json:"latency_us"`
}

// AuditFilter selects events on any subset of its fields. Zero values mean
// "any".
type AuditFilter struct {
	EventType AuditEventType
	AgentID   string
	TenantID  string
	Tool      string
	Since     time.Time
	Until     time.Time
}

// Match reports whether the event passes every populated filter field.
func (f AuditFilter) Match(e *AuditEvent) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// AuditStats summarizes a store's contents.
type AuditStats struct {
	TotalEvents    int            `json:"total_events"`
	DenialCount    int            `json:"denial_count"`
	ApprovalRate   float64        `json:"approval_rate"`
	ByTenant       map[string]int `json:"by_tenant"`
	ByDenialReason map[string]int `json:"by_denial_reason"`
}
