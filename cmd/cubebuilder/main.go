// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Command cubebuilder drives the cube assembly pipeline.
//
// Usage:
//
//	cubebuilder serve                     run worker + HTTP trigger
//	cubebuilder orchestrate [-f FILE]     fan a build request out
//	cubebuilder merge [-f FILE]           run one merge activity
//	cubebuilder blend [-f FILE]           run one blend activity
//	cubebuilder posblend [-f FILE]        run one posblend activity
//	cubebuilder publish [-f FILE]         run one publish activity
//
// Worker commands read a JSON activity from stdin (or -f) and exit 0 when
// the activity finishes DONE, 1 otherwise.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/earthdata-cube/cubebuilder/internal/config"
	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	switch cmd := os.Args[1]; cmd {
	case "serve":
		runErr = runServe(ctx, cfg)
	case "orchestrate":
		runErr = runOrchestrate(ctx, cfg, os.Args[2:])
	case "merge", "blend", "posblend", "publish":
		runErr = runActivity(ctx, cfg, cube.Action(cmd), os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		logging.Err(runErr).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `cubebuilder - earth observation data cube assembly

commands:
  serve        run the queue worker and HTTP trigger server
  orchestrate  fan a build request out into merge activities
  merge        run one merge activity from stdin or -f FILE
  blend        run one blend activity from stdin or -f FILE
  posblend     run one posblend activity from stdin or -f FILE
  publish      run one publish activity from stdin or -f FILE`)
}
