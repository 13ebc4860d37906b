package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"

	"github.com/talosprotocol/talos/model"
)

// csvColumns is the fixed export column order.
var csvColumns = []string{
	"event_id", "timestamp_iso8601", "event_type", "tenant_id", "agent_id",
	"tool", "method", "capability_id", "allowed", "denial_reason", "latency_us",
}

// exportedEvent mirrors the JSON export contract: keys are the CSV column
// names except that the timestamp appears under "timestamp" (not
// "timestamp_iso8601") as seconds since epoch as a float, and absent
// optional fields are omitted rather than null.
type exportedEvent struct {
	EventID      uint64  `json:"event_id"`
	Timestamp    float64 `json:"timestamp"`
	EventType    string  `json:"event_type"`
	TenantID     string  `json:"tenant_id,omitempty"`
	AgentID      string  `json:"agent_id,omitempty"`
	Tool         string  `json:"tool,omitempty"`
	Method       string  `json:"method,omitempty"`
	CapabilityID string  `json:"capability_id,omitempty"`
	Allowed      bool    `json:"allowed"`
	DenialReason string  `json:"denial_reason,omitempty"`
	LatencyUS    int64   `json:"latency_us"`
}

// ExportJSON produces a complete snapshot of the store as a single JSON
// array, oldest event first.
func (a *Aggregator) ExportJSON() ([]byte, error) {
	events, err := a.store.Snapshot()
	if err != nil {
		return nil, err
	}

	out := make([]exportedEvent, 0, len(events))
	for _, e := range events {
		out = append(out, exportedEvent{
			EventID:      e.EventID,
			Timestamp:    float64(e.Timestamp.UnixNano()) / float64(time.Second),
			EventType:    string(e.EventType),
			TenantID:     e.TenantID,
			AgentID:      e.AgentID,
			Tool:         e.Tool,
			Method:       e.Method,
			CapabilityID: e.CapabilityID,
			Allowed:      e.Allowed,
			DenialReason: e.DenialReason,
			LatencyUS:    e.LatencyUS,
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, model.NewAuditError("encoding JSON export: %v", err)
	}
	return data, nil
}

// ExportCSV produces a complete snapshot in the fixed column order with
// RFC 4180 quoting. Missing optional fields are empty strings.
func (a *Aggregator) ExportCSV() ([]byte, error) {
	events, err := a.store.Snapshot()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, model.NewAuditError("writing CSV header: %v", err)
	}
	for _, e := range events {
		row := []string{
			strconv.FormatUint(e.EventID, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.EventType),
			e.TenantID,
			e.AgentID,
			e.Tool,
			e.Method,
			e.CapabilityID,
			strconv.FormatBool(e.Allowed),
			e.DenialReason,
			strconv.FormatInt(e.LatencyUS, 10),
		}
		if err := w.Write(row); err != nil {
			return nil, model.NewAuditError("writing CSV row %d: %v", e.EventID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, model.NewAuditError("flushing CSV export: %v", err)
	}
	return buf.Bytes(), nil
}
