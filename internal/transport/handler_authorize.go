package transport

import (
	"encoding/json"
	"net/http"

	"github.com/talosprotocol/talos/internal/gateway"
	"github.com/talosprotocol/talos/model"
)

// handleAuthorize is the hot path: one gateway decision per request. A
// denial is a 200 with allowed=false, not an HTTP error; only malformed
// requests are rejected outright.
func handleAuthorize(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.GatewayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "request body is not valid JSON")
			return
		}
		switch {
		case req.TenantID == "":
			WriteBadRequest(w, "tenant_id is required")
			return
		case req.SessionID == "":
			WriteBadRequest(w, "session_id is required")
			return
		case req.Tool == "" || req.Method == "":
			WriteBadRequest(w, "tool and method are required")
			return
		}
		if req.RequestID == "" {
			req.RequestID = CorrelationIDFrom(r.Context())
		}

		WriteJSON(w, http.StatusOK, gw.Authorize(r.Context(), &req))
	}
}
