// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTreeRunsAndCancels(t *testing.T) {
	tree := NewTree(DefaultTreeConfig())

	var ran atomic.Bool
	tree.AddWorker(ServiceFunc{
		Name: "probe",
		Run: func(ctx context.Context) error {
			ran.Store(true)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !ran.Load() {
		if time.Now().After(deadline) {
			t.Fatal("service never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestServiceFuncRestartsAfterFailure(t *testing.T) {
	tree := NewTree(TreeConfig{
		FailureThreshold: 100,
		FailureDecay:     30,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	var runs atomic.Int32
	tree.AddWorker(ServiceFunc{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return context.DeadlineExceeded
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go tree.Serve(ctx) //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("service restarted %d times, want at least 3", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
