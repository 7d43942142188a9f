// Package health serves the status server's probe endpoints.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every [Checker] concurrently and answers 503 if any of them fails. GET
// /status serves whatever the configured snapshot function returns.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each readiness check.
const DefaultTimeout = 5 * time.Second

// Checker is one named readiness dependency.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the /healthz and /readyz response body.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks,omitempty"`
}

// Handler serves the probe and status endpoints.
type Handler struct {
	snapshot func() any
	checkers []Checker
	timeout  time.Duration
}

// New returns a Handler. snapshot may be nil, which leaves /status
// unregistered.
func New(snapshot func() any, checkers ...Checker) *Handler {
	return &Handler{
		snapshot: snapshot,
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultTimeout,
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.snapshot != nil {
		mux.HandleFunc("GET /status", h.Status)
	}
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Status serves the current snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.snapshot == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

// Run evaluates every checker concurrently, each under its own timeout, and
// returns the results sorted by name. A failing checker does not cancel the
// others.
func (h *Handler) Run(ctx context.Context) Report {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make([]CheckResult, 0, len(h.checkers))
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := h.run(ctx, c)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	rep := Report{Status: "ok", Checks: results}
	for _, res := range results {
		if !res.OK {
			rep.Status = "fail"
			break
		}
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Name: c.Name, OK: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
