package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker backs the /healthz (liveness) and /readyz (readiness)
// probes. Liveness is unconditional; readiness flips on once recovery
// and the broker connections are up, and can flip back off with a
// recorded reason if a dependency is lost.
type HealthChecker struct {
	mu        sync.Mutex
	ready     bool
	reason    string
	startedAt time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		reason:    "starting",
		startedAt: time.Now(),
	}
}

// SetReady marks the service ready to take traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
	if ready {
		h.reason = ""
	} else if h.reason == "" {
		h.reason = "unspecified"
	}
}

// NotReady flips readiness off and records why, for the probe body.
func (h *HealthChecker) NotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = false
	h.reason = reason
}

// IsReady reports the current readiness state.
func (h *HealthChecker) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// LivenessHandler answers 200 whenever the process can serve HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "alive",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// ReadinessHandler answers 200 once startup recovery is complete and 503
// before that or after a dependency drop, with the reason in the body.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	ready, reason := h.ready, h.reason
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if ready {
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "not_ready",
		"reason": reason,
	})
}
