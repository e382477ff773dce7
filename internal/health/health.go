// Package health provides the HTTP health check handler.
//
// GET /health reports a JSON object:
//
//	{"status": "healthy"|"degraded", "models_loaded": bool, "uptime_seconds": int, "checks": {...}}
//
// The endpoint answers 200 in both states: a process that can answer is
// up, and "degraded" says a registered [Checker] is currently failing —
// most importantly the model backend probe. The gateway keeps serving
// whatever it still can while degraded, so this endpoint never flips to
// 503 just because a model tier is down.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single check may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// CheckModels is the checker name that drives the models_loaded field.
const CheckModels = "models"

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "models",
	// "knowledge"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the health endpoint.
type result struct {
	Status        string            `json:"status"`
	ModelsLoaded  bool              `json:"models_loaded"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Handler serves the /health endpoint. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each request.
// The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{started: time.Now(), checkers: c}
}

// Health evaluates every registered [Checker] and reports the service
// state. Each checker is given a context with a [checkTimeout] deadline
// derived from the request context.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	healthy := true
	modelsLoaded := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			healthy = false
			if c.Name == CheckModels {
				modelsLoaded = false
			}
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status:        "healthy",
		ModelsLoaded:  modelsLoaded,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Checks:        checks,
	}
	if !healthy {
		res.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, res)
}

// Register adds the /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
