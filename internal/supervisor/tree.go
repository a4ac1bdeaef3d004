// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package supervisor runs the long-lived services of `cubebuilder serve`
// under a suture tree: the queue worker and the HTTP trigger server. A
// crash in one layer restarts that layer without taking the other down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/earthdata-cube/cubebuilder/internal/logging"
)

// TreeConfig holds the supervision parameters.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is the wait once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree supervises the worker and API layers.
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	api     *suture.Supervisor
}

// NewTree builds the two-layer tree.
func NewTree(cfg TreeConfig) *Tree {
	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
		EventHook: (&sutureslog.Handler{
			Logger: logging.NewSlogLogger(),
		}).MustHook(),
	}

	root := suture.New("cubebuilder", spec)
	workers := suture.New("workers", spec)
	api := suture.New("api", spec)
	root.Add(workers)
	root.Add(api)

	return &Tree{root: root, workers: workers, api: api}
}

// AddWorker registers a service in the worker layer.
func (t *Tree) AddWorker(s suture.Service) suture.ServiceToken {
	return t.workers.Add(s)
}

// AddAPI registers a service in the API layer.
func (t *Tree) AddAPI(s suture.Service) suture.ServiceToken {
	return t.api.Add(s)
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServiceFunc adapts a plain run function into a suture service.
type ServiceFunc struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve implements suture.Service.
func (s ServiceFunc) Serve(ctx context.Context) error {
	logging.Info().Str("service", s.Name).Msg("service starting")
	err := s.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logging.Err(err).Str("service", s.Name).Msg("service exited")
	}
	return err
}

// String names the service in supervisor events.
func (s ServiceFunc) String() string { return s.Name }
