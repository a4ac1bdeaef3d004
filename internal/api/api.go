// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package api exposes the HTTP trigger surface of the pipeline: cube
// orchestration, activity and counter inspection, health, and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/pipeline"
)

// Server wires the pipeline services behind a chi router.
type Server struct {
	services *pipeline.Services
	router   chi.Router
}

// NewServer builds the router.
func NewServer(services *pipeline.Services) *Server {
	s := &Server{services: services}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/cubes", func(r chi.Router) {
		r.Post("/orchestrate", s.handleOrchestrate)
	})
	r.Route("/activities", func(r chi.Router) {
		r.Get("/{key}", s.handleActivities)
		r.Get("/{key}/{sk}", s.handleActivity)
	})
	r.Get("/control/{key}", s.handleControl)

	s.router = r
	return s
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler { return s.router }

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Err(err).Msg("encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Data: map[string]string{"status": "ok"}})
}

type orchestrateResponse struct {
	Periods          int      `json:"periods"`
	Tiles            int      `json:"tiles"`
	AlreadyPublished []string `json:"already_published,omitempty"`
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.OrchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Descriptor == nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "descriptor is required"})
		return
	}

	items, err := s.services.Orchestrate(r.Context(), &req)
	if err != nil {
		writeJSON(w, statusFor(err), envelope{Error: err.Error()})
		return
	}
	skipped, err := s.services.PrepareMerge(r.Context(), &req, items)
	if err != nil {
		writeJSON(w, statusFor(err), envelope{Error: err.Error()})
		return
	}

	periods := 0
	for _, byPeriod := range items {
		periods += len(byPeriod)
	}
	writeJSON(w, http.StatusAccepted, envelope{Data: orchestrateResponse{
		Periods:          periods,
		Tiles:            len(items),
		AlreadyPublished: skipped,
	}})
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	activities, err := s.services.Tracker.QueryActivities(key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: activities})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sk := chi.URLParam(r, "sk")
	a, ok, err := s.services.Tracker.GetActivity(key, sk)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Error: "activity not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: a})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	entry, ok, err := s.services.Tracker.GetControl(key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, envelope{Error: "counter row not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: entry})
}

func statusFor(err error) int {
	var ce *cube.Error
	if errors.As(err, &ce) && ce.Kind == cube.KindInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ListenAndServe runs the server until the context is canceled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: timeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
