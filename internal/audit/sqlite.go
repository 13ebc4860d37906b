package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talosprotocol/talos/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	event_id      INTEGER PRIMARY KEY,
	uid           TEXT NOT NULL,
	ts_ns         INTEGER NOT NULL,
	event_type    TEXT NOT NULL,
	tenant_id     TEXT NOT NULL DEFAULT '',
	agent_id      TEXT NOT NULL DEFAULT '',
	tool          TEXT NOT NULL DEFAULT '',
	method        TEXT NOT NULL DEFAULT '',
	capability_id TEXT NOT NULL DEFAULT '',
	allowed       INTEGER NOT NULL,
	denial_reason TEXT NOT NULL DEFAULT '',
	latency_us    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events (tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_agent ON audit_events (agent_id);
`

// SQLiteStore is a durable Store over a SQLite database file. It honors the
// same append/query/snapshot contract as the in-memory ring but never drops
// events.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and ensures
// the schema exists. ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, model.NewAuditError("opening audit database %s: %v", path, err)
	}
	// A single writer keeps event_id insertion order intact.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, model.NewAuditError("initializing audit schema: %v", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MaxEventID returns the highest stored event id, or zero when empty. The
// aggregator uses it to continue the monotonic sequence across restarts.
func (s *SQLiteStore) MaxEventID() (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(event_id) FROM audit_events`).Scan(&max); err != nil {
		return 0, model.NewAuditError("reading max event id: %v", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// Append writes one event.
func (s *SQLiteStore) Append(e *model.AuditEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_events
			(event_id, uid, ts_ns, event_type, tenant_id, agent_id, tool, method, capability_id, allowed, denial_reason, latency_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.UID, e.Timestamp.UnixNano(), string(e.EventType),
		e.TenantID, e.AgentID, e.Tool, e.Method, e.CapabilityID,
		boolToInt(e.Allowed), e.DenialReason, e.LatencyUS,
	)
	if err != nil {
		return model.NewAuditError("appending event %d: %v", e.EventID, err)
	}
	return nil
}

// Query returns matching events newest first.
func (s *SQLiteStore) Query(filter model.AuditFilter, limit int) ([]*model.AuditEvent, error) {
	var conds []string
	var args []any
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Tool != "" {
		conds = append(conds, "tool = ?")
		args = append(args, filter.Tool)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "ts_ns >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "ts_ns <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := `SELECT event_id, uid, ts_ns, event_type, tenant_id, agent_id, tool, method, capability_id, allowed, denial_reason, latency_us FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY event_id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	return s.scanEvents(query, args...)
}

// Snapshot returns every stored event oldest first.
func (s *SQLiteStore) Snapshot() ([]*model.AuditEvent, error) {
	return s.scanEvents(`SELECT event_id, uid, ts_ns, event_type, tenant_id, agent_id, tool, method, capability_id, allowed, denial_reason, latency_us FROM audit_events ORDER BY event_id ASC`)
}

func (s *SQLiteStore) scanEvents(query string, args ...any) ([]*model.AuditEvent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, model.NewAuditError("querying events: %v", err)
	}
	defer rows.Close()

	var out []*model.AuditEvent
	for rows.Next() {
		var (
			e       model.AuditEvent
			tsNS    int64
			evType  string
			allowed int
		)
		if err := rows.Scan(&e.EventID, &e.UID, &tsNS, &evType, &e.TenantID, &e.AgentID,
			&e.Tool, &e.Method, &e.CapabilityID, &allowed, &e.DenialReason, &e.LatencyUS); err != nil {
			return nil, model.NewAuditError("scanning event: %v", err)
		}
		e.Timestamp = time.Unix(0, tsNS).UTC()
		e.EventType = model.AuditEventType(evType)
		e.Allowed = allowed != 0
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewAuditError("iterating events: %v", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
