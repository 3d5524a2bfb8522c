// Package httpapi is the engine's HTTP surface: pipeline run/stop/status,
// a director trigger, inbound VCS webhooks, and a health check. Structured
// the way the teacher's web.Server is — a struct holding its dependencies,
// constructed once, routes registered in the constructor — but routed with
// chi instead of the teacher's hand-split http.ServeMux paths.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/pipeline"
	"github.com/forgepipe/conductor/internal/resilience/ratelimit"
	"github.com/forgepipe/conductor/internal/webhook"
)

// PipelineRunner is the subset of runner.Runner the HTTP surface drives.
// An interface so handlers are testable without a live quality pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.PipelineRequest) (*pipeline.PipelineState, error)
	Stop(requestID string) error
	GetStatus(requestID string) (*pipeline.PipelineState, bool)
}

// DirectorRunner is the subset of director.Director the /director/run route
// drives.
type DirectorRunner interface {
	RunCycle(ctx context.Context) error
}

// Config tunes the two rate-limited routes; zero values fall back to the
// spec's defaults (10/min for pipeline runs, 60/min for webhooks).
type Config struct {
	PipelineRunPerMinute int
	WebhookPerMinute     int
	CORSOrigins          []string
}

func (c Config) pipelineRunLimit() ratelimit.Config {
	n := c.PipelineRunPerMinute
	if n <= 0 {
		n = 10
	}
	return ratelimit.Config{RequestsPerWindow: n, WindowMs: 60_000}
}

func (c Config) webhookLimit() ratelimit.Config {
	n := c.WebhookPerMinute
	if n <= 0 {
		n = 60
	}
	return ratelimit.Config{RequestsPerWindow: n, WindowMs: 60_000}
}

// Server owns the chi router and every dependency its handlers call into.
type Server struct {
	runner     PipelineRunner
	director   DirectorRunner
	bus        *eventbus.Bus
	webhookCfg webhook.Config
	logger     *zap.Logger

	router chi.Router
}

// NewServer builds a Server and registers every route.
func NewServer(cfg Config, run PipelineRunner, dir DirectorRunner, bus *eventbus.Bus, webhookCfg webhook.Config, logger *zap.Logger) *Server {
	s := &Server{runner: run, director: dir, bus: bus, webhookCfg: webhookCfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg.CORSOrigins),
		AllowedMethods: []string{"GET", "POST"},
	}))

	pipelineLimiter := ratelimit.New(cfg.pipelineRunLimit())
	webhookLimiter := ratelimit.New(cfg.webhookLimit())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(pipelineLimiter.Middleware(ratelimit.RouteKey))
		r.Post("/pipeline/run", s.handleRunPipeline)
	})
	r.Post("/pipeline/stop/{request_id}", s.handleStopPipeline)
	r.Get("/pipeline/status/{request_id}", s.handleStatus)
	r.Post("/director/run", s.handleDirectorRun)

	r.Group(func(r chi.Router) {
		r.Use(webhookLimiter.Middleware(ratelimit.RouteKey))
		r.Post("/webhooks/{vcs}", s.handleWebhook)
	})

	s.router = r
	return s
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// Handler returns the server's http.Handler, for tests and for wiring into
// http.Server/httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the router on addr until the process exits or ListenAndServe
// returns an error.
func (s *Server) Start(addr string) error {
	if s.logger != nil {
		s.logger.Info("httpapi: listening", zap.String("addr", addr))
	}
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipeline.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	state, err := s.runner.Run(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, state)
}

func (s *Server) handleStopPipeline(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if err := s.runner.Stop(requestID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	state, ok := s.runner.GetStatus(requestID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDirectorRun(w http.ResponseWriter, r *http.Request) {
	if err := s.director.RunCycle(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		return
	}

	if err := webhook.VerifySignature(s.webhookCfg, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature verification failed"})
		return
	}

	events, err := webhook.Translate(s.webhookCfg, r.Header.Get("X-GitHub-Event"), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	for _, ev := range events {
		_ = s.bus.Publish(r.Context(), eventbus.Event{
			EventType: ev.EventType,
			RequestID: requestIDFor(ev),
			Timestamp: time.Now().UTC(),
			Data:      ev.Data,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// requestIDFor derives the event-log/session key a translated webhook event
// should be published under: the branch it concerns when known, else a
// PR-number-derived key for signals (like the optional pr.approved event)
// that carry no branch.
func requestIDFor(ev webhook.Translated) string {
	if branch, ok := ev.Data["branch"].(string); ok && branch != "" {
		return branch
	}
	if branch, ok := ev.Data["pipeline_branch"].(string); ok && branch != "" {
		return branch
	}
	if n, ok := ev.Data["prNumber"].(int); ok && n != 0 {
		return fmt.Sprintf("pr-%d", n)
	}
	if n, ok := ev.Data["pr_number"].(int); ok && n != 0 {
		return fmt.Sprintf("pr-%d", n)
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
