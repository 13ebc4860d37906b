package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/talosprotocol/talos/internal/audit"
	"github.com/talosprotocol/talos/model"
)

// defaultQueryLimit bounds unpaginated audit queries.
const defaultQueryLimit = 100

func handleAuditQuery(agg *audit.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := model.AuditFilter{
			EventType: model.AuditEventType(q.Get("event_type")),
			AgentID:   q.Get("agent_id"),
			TenantID:  q.Get("tenant_id"),
			Tool:      q.Get("tool"),
		}
		if v := q.Get("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteBadRequest(w, "since must be RFC 3339")
				return
			}
			filter.Since = ts
		}
		if v := q.Get("until"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteBadRequest(w, "until must be RFC 3339")
				return
			}
			filter.Until = ts
		}

		limit := defaultQueryLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				WriteBadRequest(w, "limit must be a positive integer")
				return
			}
			limit = n
		}

		events, err := agg.Query(filter, limit)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})
	}
}

func handleAuditExport(agg *audit.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch format := r.URL.Query().Get("format"); format {
		case "csv":
			data, err := agg.ExportCSV()
			if err != nil {
				WriteError(w, err)
				return
			}
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.Header().Set("Content-Disposition", `attachment; filename="audit_events.csv"`)
			w.WriteHeader(http.StatusOK)
			w.Write(data)
		case "json", "":
			data, err := agg.ExportJSON()
			if err != nil {
				WriteError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
		default:
			WriteBadRequest(w, "format must be json or csv")
		}
	}
}

func handleAuditStats(agg *audit.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats, err := agg.Stats()
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}
