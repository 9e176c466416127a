// Package health provides the HTTP health handlers for the voicewire admin
// listener.
//
// Two endpoints are exposed:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes. The voicewire client registers a link checker (the
//     keep-alive health indicator) and an audio checker (device
//     availability).
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map with the per-checker outcome.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when the probed
// subsystem is healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "link", "audio").
	Name string

	// Check probes the subsystem. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// LinkChecker builds a [Checker] over the keep-alive health indicator.
// healthy is polled on every /readyz request.
func LinkChecker(healthy func() bool) Checker {
	return Checker{
		Name: "link",
		Check: func(context.Context) error {
			if !healthy() {
				return errors.New("keep-alive probe missed its reply")
			}
			return nil
		},
	}
}

// AudioChecker builds a [Checker] over device availability. An unavailable
// pipeline fails readiness and nothing else: the call itself keeps running
// without audio.
func AudioChecker(available func() bool) Checker {
	return Checker{
		Name: "audio",
		Check: func(context.Context) error {
			if !available() {
				return errors.New("no audio device available")
			}
			return nil
		},
	}
}

// response is the JSON body served by both endpoints.
type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. Safe for concurrent
// use; the checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz evaluates every registered checker under a [checkTimeout] deadline
// and returns 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	status := http.StatusOK
	res := response{Status: "ok", Checks: checks}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
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
