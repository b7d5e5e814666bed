// Package health serves the liveness and readiness probes for the visage
// pipeline.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; runs every registered probe and answers 503
//     with per-probe detail when any fails.
//
// The probes that matter for visage ship as constructors here:
// [GenerationPool] detects a wedged avatar generation pool and [Backend]
// pings a connection-holding collaborator such as the preference store.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// probed component can serve work; it must respect context cancellation.
type Checker struct {
	// Name keys the probe's block in the readiness response
	// (e.g. "generation", "prefs").
	Name string

	// Check probes the component.
	Check func(ctx context.Context) error
}

// GenerationPool probes the avatar generation pool through its stats
// snapshot. Queued work with nothing active means the pool is wedged;
// a pool with queued and active work both nonzero is merely busy and
// stays ready.
func GenerationPool(stats func() (active, queued int)) Checker {
	return Checker{
		Name: "generation",
		Check: func(context.Context) error {
			active, queued := stats()
			if queued > 0 && active == 0 {
				return fmt.Errorf("%d generations queued with none active", queued)
			}
			return nil
		},
	}
}

// Backend probes a connection-holding collaborator, typically the
// pgvector preference store, by pinging it.
func Backend(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// probeResult is the per-probe block in the readiness response.
type probeResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed string `json:"elapsed"`
}

// response is the JSON body served by both endpoints. Probes is empty
// on the liveness endpoint.
type response struct {
	Status string                 `json:"status"`
	Probes map[string]probeResult `json:"probes,omitempty"`
}

// Handler serves the probe endpoints. The probe list is fixed at
// construction time; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given probes. Readiness evaluates
// them sequentially in the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Healthz answers 200 unconditionally. A process that can serve the
// request is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every probe under a [probeTimeout] deadline derived from
// the request context and answers 503 when any fails, carrying the
// failure detail and the probe latency in each probe block.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	probes := make(map[string]probeResult, len(h.checkers))
	ready := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := c.Check(ctx)
		elapsed := time.Since(start)
		cancel()

		pr := probeResult{Status: "ok", Elapsed: elapsed.Round(time.Microsecond).String()}
		if err != nil {
			pr.Status = "fail"
			pr.Error = err.Error()
			ready = false
		}
		probes[c.Name] = pr
	}

	res := response{Status: "ok", Probes: probes}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code. On encoding failure
// it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
