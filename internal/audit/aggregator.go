package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talosprotocol/talos/model"
)

// Aggregator assigns monotonically increasing event ids, timestamps events,
// and writes them to a single Store. All record methods return after the
// event has been ordered and appended.
//
// An aggregator owns exactly one store: event ordering across multiple
// stores is undefined and therefore not offered.
type Aggregator struct {
	mu     sync.Mutex
	store  Store
	nextID uint64
	logger *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewAggregator creates an aggregator over the given store. Events are
// numbered from firstID + 1; pass the store's highest existing id to
// continue a sequence, or zero for a fresh store. Audit write failures are
// logged through logger (they never surface to the decision path).
func NewAggregator(store Store, firstID uint64, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: store, nextID: firstID, logger: logger, now: time.Now}
}

// record stamps and appends the event under the ordering lock.
func (a *Aggregator) record(e *model.AuditEvent) (*model.AuditEvent, error) {
	a.mu.Lock()
	a.nextID++
	e.EventID = a.nextID
	e.UID = uuid.NewString()
	e.Timestamp = a.now().UTC()
	err := a.store.Append(e)
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("audit append failed",
			zap.Uint64("event_id", e.EventID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err),
		)
		return nil, model.NewAuditError("recording %s event: %v", e.EventType, err)
	}
	return e, nil
}

// RecordAuthorization records an authorize decision. Approvals are typed
// "authorization", denials "denial".
func (a *Aggregator) RecordAuthorization(tenantID, agentID, tool, method, capabilityID string, allowed bool, denialReason string, latencyUS int64) (*model.AuditEvent, error) {
	eventType := model.AuditAuthorization
	if !allowed {
		eventType = model.AuditDenial
	}
	return a.record(&model.AuditEvent{
		EventType:    eventType,
		TenantID:     tenantID,
		AgentID:      agentID,
		Tool:         tool,
		Method:       method,
		CapabilityID: capabilityID,
		Allowed:      allowed,
		DenialReason: denialReason,
		LatencyUS:    latencyUS,
	})
}

// RecordGrant records the issuance of a root capability.
func (a *Aggregator) RecordGrant(tenantID, issuerID, subjectID, capabilityID string, scope model.Scope) (*model.AuditEvent, error) {
	return a.record(&model.AuditEvent{
		EventType:    model.AuditGrant,
		TenantID:     tenantID,
		AgentID:      issuerID,
		Tool:         scopeTool(scope),
		Method:       scopeMethod(scope),
		CapabilityID: capabilityID,
		Allowed:      true,
	})
}

// RecordDelegation records the derivation of a child capability.
func (a *Aggregator) RecordDelegation(tenantID, parentSubject, childSubject, childCapabilityID string, scope model.Scope) (*model.AuditEvent, error) {
	return a.record(&model.AuditEvent{
		EventType:    model.AuditDelegation,
		TenantID:     tenantID,
		AgentID:      parentSubject,
		Tool:         scopeTool(scope),
		Method:       scopeMethod(scope),
		CapabilityID: childCapabilityID,
		Allowed:      true,
	})
}

// RecordRevocation records a capability revocation.
func (a *Aggregator) RecordRevocation(tenantID, agentID, capabilityID, reason string) (*model.AuditEvent, error) {
	return a.record(&model.AuditEvent{
		EventType:    model.AuditRevocation,
		TenantID:     tenantID,
		AgentID:      agentID,
		CapabilityID: capabilityID,
		Allowed:      true,
		DenialReason: reason,
	})
}

// RecordTenantChange records tenant registration or removal.
func (a *Aggregator) RecordTenantChange(tenantID, change string) (*model.AuditEvent, error) {
	return a.record(&model.AuditEvent{
		EventType: model.AuditTenantChange,
		TenantID:  tenantID,
		Method:    change,
		Allowed:   true,
	})
}

// Query forwards to the store.
func (a *Aggregator) Query(filter model.AuditFilter, limit int) ([]*model.AuditEvent, error) {
	return a.store.Query(filter, limit)
}

// Stats summarizes the store's current contents.
func (a *Aggregator) Stats() (*model.AuditStats, error) {
	events, err := a.store.Snapshot()
	if err != nil {
		return nil, err
	}

	stats := &model.AuditStats{
		ByTenant:       make(map[string]int),
		ByDenialReason: make(map[string]int),
	}
	decisions := 0
	for _, e := range events {
		stats.TotalEvents++
		if e.TenantID != "" {
			stats.ByTenant[e.TenantID]++
		}
		switch e.EventType {
		case model.AuditAuthorization:
			decisions++
		case model.AuditDenial:
			decisions++
			stats.DenialCount++
			if e.DenialReason != "" {
				stats.ByDenialReason[e.DenialReason]++
			}
		}
	}
	if decisions > 0 {
		stats.ApprovalRate = float64(decisions-stats.DenialCount) / float64(decisions)
	}
	return stats, nil
}

func scopeTool(s model.Scope) string {
	tool, _, err := model.ParseScope(s)
	if err != nil {
		return ""
	}
	return tool
}

func scopeMethod(s model.Scope) string {
	_, method, err := model.ParseScope(s)
	if err != nil {
		return ""
	}
	return method
}
