// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the gateway API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/talosprotocol/talos/model"
)

// statusForCode maps error codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrCrypto:    http.StatusBadRequest,
	model.ErrScope:     http.StatusUnprocessableEntity,
	model.ErrVerify:    http.StatusForbidden,
	model.ErrConfig:    http.StatusBadRequest,
	model.ErrTenant:    http.StatusNotFound,
	model.ErrRateLimit: http.StatusTooManyRequests,
	model.ErrAudit:     http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the matching
// HTTP status code. If err is not an *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = &model.ErrorEnvelope{Code: model.ErrAudit, Message: "internal error"}
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteBadRequest writes a 400 CONFIG_ERROR response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewConfigError("%s", msg))
}

// WriteUnauthorized writes a 401 response for a missing or invalid bearer
// token.
func WriteUnauthorized(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusUnauthorized, map[string]any{
		"error": map[string]string{"code": "UNAUTHORIZED", "message": msg},
	})
}
