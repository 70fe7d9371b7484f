// Package healthz serves the supervisor-facing health endpoint, the
// Prometheus scrape endpoint, and the authenticated manual-trigger endpoint
// on a single chi router.
package healthz

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/orchestrator"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/scheduler"
)

// Response is the JSON shape returned by GET /healthz.
type Response struct {
	Healthy                 bool   `json:"healthy"`
	SecondsSinceTransition  int64  `json:"seconds_since_last_transition"`
	IsTransitioningFast     bool   `json:"is_transitioning_fast"`
	AgentState              string `json:"agent_state"`
	Timestamp               int64  `json:"timestamp"`
}

// Server bundles the orchestrator and scheduler the HTTP surface reports on.
type Server struct {
	Orchestrator   *orchestrator.Orchestrator
	Scheduler      *scheduler.Scheduler
	UnhealthyAfter time.Duration
	TriggerToken   string
	Logger         *slog.Logger
}

// Router builds the chi router serving /healthz, /metrics, and /runs.
func (s *Server) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/runs", s.handleTriggerRun)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.Orchestrator.Status()
	now := time.Now().UTC()
	sinceTransition := now.Sub(status.LastTransitionAt)

	unhealthyAfter := s.UnhealthyAfter
	if unhealthyAfter <= 0 {
		unhealthyAfter = 15 * time.Minute
	}

	resp := Response{
		Healthy:                status.State != orchestrator.StateFailed && sinceTransition <= unhealthyAfter,
		SecondsSinceTransition: int64(sinceTransition.Seconds()),
		IsTransitioningFast:    sinceTransition < time.Second,
		AgentState:             string(status.State),
		Timestamp:              now.Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Error("healthz: encode response failed", "error", err)
	}
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.TriggerToken != "" && r.Header.Get("Authorization") != "Bearer "+s.TriggerToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Scheduler.TriggerNow(context.Background()) }()

	select {
	case err := <-done:
		if err == scheduler.ErrBusy {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "busy"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case <-ctx.Done():
		// The run was accepted and is proceeding asynchronously; the
		// manual trigger does not block the HTTP response on completion.
		w.WriteHeader(http.StatusAccepted)
	}
}
