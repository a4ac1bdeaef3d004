// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package main

import (
	"context"
	"fmt"

	"github.com/earthdata-cube/cubebuilder/internal/api"
	"github.com/earthdata-cube/cubebuilder/internal/broker"
	"github.com/earthdata-cube/cubebuilder/internal/config"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/supervisor"
)

// runServe runs the queue worker and the HTTP trigger server under one
// supervision tree until interrupted.
func runServe(ctx context.Context, cfg *config.Config) error {
	rt, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	sub, err := broker.NewNATSSubscriber(cfg.Queue, nil)
	if err != nil {
		return err
	}
	defer sub.Close() //nolint:errcheck

	worker, err := broker.NewWorker(sub, rt.queue, rt.services.Dispatch, broker.WorkerConfig{
		CloseTimeout: cfg.Queue.CloseTimeout,
	})
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddWorker(supervisor.ServiceFunc{
		Name: "queue-worker",
		Run:  worker.Run,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	handler := api.NewServer(rt.services).Handler()
	tree.AddAPI(supervisor.ServiceFunc{
		Name: "http",
		Run: func(ctx context.Context) error {
			return api.ListenAndServe(ctx, addr, handler, cfg.Server.Timeout)
		},
	})

	logging.Info().Str("addr", addr).Msg("cubebuilder serving")
	return tree.Serve(ctx)
}
