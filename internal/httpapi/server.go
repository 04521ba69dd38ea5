// Package httpapi exposes layer runs to an external orchestrator over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/logging"
	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/version"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// Runner is the part of the controller the API drives.
type Runner interface {
	Run(ctx context.Context, layer schema.Layer, group string) (controller.RunReport, error)
	RunAll(ctx context.Context, groups ...string) ([]controller.RunReport, error)
}

// RunRequest selects one layer of one group.
type RunRequest struct {
	Layer string `json:"layer"`
	Group string `json:"group"`
}

// RunAllRequest selects groups for a full bronze-to-gold run. No groups means all of them.
type RunAllRequest struct {
	Groups []string `json:"groups"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	runner Runner
	router *chi.Mux
	server *http.Server
	// RunTimeout bounds one request's runs. Zero leaves only the client's deadline.
	RunTimeout time.Duration
}

func NewServer(runner Runner) *Server {
	s := &Server{runner: runner, router: chi.NewRouter()}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(logging.Requests)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.handleRun)
		r.Post("/runs/all", s.handleRunAll)
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logging.FromContext(context.Background()).Info("http api listening", "addr", addr, "version", version.Current)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Current})
}

func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.RunTimeout > 0 {
		return context.WithTimeout(r.Context(), s.RunTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	layer, err := schema.ParseLayer(req.Layer)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	group := strings.TrimSpace(req.Group)
	if group == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "group is required"})
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()
	logger := logging.FromContext(r.Context())
	logger.Info("run requested", "layer", layer, "group", group)
	report, err := s.runner.Run(ctx, layer, group)
	if err != nil {
		logger.Error("run rejected", "layer", layer, "group", group, "err", redact.Error(err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: redact.Error(err)})
		return
	}
	writeJSON(w, reportStatus(report), redactReport(report))
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	var req RunAllRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
			return
		}
	}

	ctx, cancel := s.runContext(r)
	defer cancel()
	reports, err := s.runner.RunAll(ctx, req.Groups...)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: redact.Error(err)})
		return
	}
	status := http.StatusOK
	for i, rep := range reports {
		if rep.Failed() {
			status = http.StatusUnprocessableEntity
		}
		reports[i] = redactReport(rep)
	}
	completed, failed, elapsed := controller.Summary(reports)
	logging.FromContext(r.Context()).Info("run all finished",
		"completed", completed, "failed", failed, "duration_ms", elapsed.Milliseconds())
	writeJSON(w, status, reports)
}

// reportStatus is 200 for a completed run and 422 for a failed one; the body is the report
// either way.
func reportStatus(r controller.RunReport) int {
	if r.Failed() {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func redactReport(r controller.RunReport) controller.RunReport {
	r.FailureText = redact.Secrets(r.FailureText)
	if len(r.Stages) > 0 {
		stages := make([]controller.StageReport, len(r.Stages))
		copy(stages, r.Stages)
		for i := range stages {
			stages[i].Detail = redact.Secrets(stages[i].Detail)
		}
		r.Stages = stages
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
