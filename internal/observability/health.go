package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadinessChecks holds the dependency probes for the readiness endpoint.
type ReadinessChecks struct {
	// GatewayRunning reports whether the dispatcher accepts requests.
	GatewayRunning func() bool
	// AuditStore probes the audit backend; nil skips the check.
	AuditStore func() error
}

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		results := make(map[string]CheckResult)
		var mu sync.Mutex
		var wg sync.WaitGroup

		record := func(name string, result CheckResult) {
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			if checks.GatewayRunning != nil && checks.GatewayRunning() {
				record("gateway", CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()})
			} else {
				record("gateway", CheckResult{
					Status:    "error",
					LatencyMs: time.Since(start).Milliseconds(),
					Error:     "gateway is not running",
				})
			}
		}()

		if checks.AuditStore != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				start := time.Now()
				if err := checks.AuditStore(); err != nil {
					record("audit_store", CheckResult{
						Status:    "error",
						LatencyMs: time.Since(start).Milliseconds(),
						Error:     err.Error(),
					})
				} else {
					record("audit_store", CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()})
				}
			}()
		}

		wg.Wait()

		status := "ok"
		code := http.StatusOK
		for _, r := range results {
			if r.Status != "ok" {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(ReadinessResponse{Status: status, Checks: results})
	}
}
