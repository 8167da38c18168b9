// Package health serves the liveness and readiness probes of the Redi server.
//
//   - /healthz — liveness; returns 200 with basic process stats.
//   - /readyz  — readiness; 200 only when every registered [Probe] passes
//     (provider credentials present, analytics directory writable, the
//     Postgres mirror reachable).
//
// Responses are JSON with a top-level "status" ("ok" or "fail"), a "checks"
// map of per-probe results, and on /healthz a "stats" map of live gauges.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds one readiness probe.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check. Run returns nil when the dependency is
// usable and must respect context cancellation.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// StatsFunc supplies live gauges for the /healthz response, e.g. active
// session and device counts.
type StatsFunc func() map[string]any

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Stats  map[string]any    `json:"stats,omitempty"`
}

// Handler serves the probe endpoints. The probe list is fixed at
// construction; safe for concurrent use.
type Handler struct {
	probes []Probe
	stats  StatsFunc
}

// New creates a Handler evaluating the given probes on each /readyz request,
// in order.
func New(probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{probes: p}
}

// WithStats attaches a gauge supplier to /healthz and returns the handler.
func (h *Handler) WithStats(fn StatsFunc) *Handler {
	h.stats = fn
	return h
}

// Healthz always returns 200: a process that serves HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := response{Status: "ok"}
	if h.stats != nil {
		res.Stats = h.stats()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz returns 200 only when every probe passes. Each probe gets its own
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.probes))
	status := http.StatusOK

	res := response{Status: "ok", Checks: checks}
	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Run(ctx)
		cancel()
		if err != nil {
			checks[p.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[p.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
