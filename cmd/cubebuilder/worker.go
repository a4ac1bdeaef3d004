// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/earthdata-cube/cubebuilder/internal/config"
	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/pipeline"
)

// readInput reads the JSON payload of a command from -f FILE or stdin.
func readInput(name string, args []string) ([]byte, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("f", "", "read the JSON payload from FILE instead of stdin")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *path != "" {
		return os.ReadFile(*path)
	}
	return io.ReadAll(os.Stdin)
}

// runActivity executes one stage activity and exits per its final status.
func runActivity(ctx context.Context, cfg *config.Config, action cube.Action, args []string) error {
	data, err := readInput(string(action), args)
	if err != nil {
		return err
	}
	a, err := cube.DecodeActivity(data)
	if err != nil {
		return err
	}
	if a.Action != action {
		return cube.NewInputError("cli",
			fmt.Sprintf("activity action %q does not match command %q", a.Action, action))
	}

	rt, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.services.Dispatch(ctx, a); err != nil {
		return err
	}
	if a.Status != cube.StatusDone {
		return fmt.Errorf("activity finished %s: %s", a.Status, errorMessage(a))
	}
	return nil
}

// runOrchestrate fans a build request out into merge activities.
func runOrchestrate(ctx context.Context, cfg *config.Config, args []string) error {
	data, err := readInput("orchestrate", args)
	if err != nil {
		return err
	}
	var req pipeline.OrchestrateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return cube.NewInputError("cli", "invalid orchestrate request: "+err.Error())
	}
	if req.Bucket == "" {
		req.Bucket = cfg.Bucket
	}
	if req.ItemPrefix == "" {
		req.ItemPrefix = cfg.Prefix
	}
	if req.StacLimit == 0 {
		req.StacLimit = cfg.STAC.Limit
	}

	rt, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	items, err := rt.services.Orchestrate(ctx, &req)
	if err != nil {
		return err
	}
	skipped, err := rt.services.PrepareMerge(ctx, &req, items)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"tiles":             len(items),
		"already_published": skipped,
	})
}

func errorMessage(a *cube.Activity) string {
	if a.Errors == nil {
		return "no error recorded"
	}
	return a.Errors.Step + ": " + a.Errors.Message
}
