// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BUCKET", "cubes-prod")
	t.Setenv("DB_URL", "/srv/catalog.duckdb")
	t.Setenv("TRACKER_PATH", "/srv/tracker")
	t.Setenv("ACTIVITIES_TABLE", "cube-activities")
	t.Setenv("CONTROL_TABLE", "cube-control")
	t.Setenv("QUEUE_URL", "nats://queue:4222")
	t.Setenv("KINESIS_STREAM", "CUBESTREAM")
	t.Setenv("STAC_URL", "https://stac-a.example,https://stac-b.example")
	t.Setenv("STAC_URL2", "https://stac-c.example")
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Bucket != "cubes-prod" {
		t.Errorf("bucket = %q", cfg.Bucket)
	}
	if cfg.Catalog.URL != "/srv/catalog.duckdb" {
		t.Errorf("catalog url = %q", cfg.Catalog.URL)
	}
	if cfg.Tracker.Path != "/srv/tracker" ||
		cfg.Tracker.ActivitiesTable != "cube-activities" ||
		cfg.Tracker.ControlTable != "cube-control" {
		t.Errorf("tracker = %+v", cfg.Tracker)
	}
	if cfg.Queue.URL != "nats://queue:4222" || cfg.Queue.StreamName != "CUBESTREAM" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	want := []string{"https://stac-a.example", "https://stac-b.example", "https://stac-c.example"}
	if len(cfg.STAC.URLs) != len(want) {
		t.Fatalf("stac urls = %v", cfg.STAC.URLs)
	}
	for i := range want {
		if cfg.STAC.URLs[i] != want[i] {
			t.Errorf("stac url %d = %q, want %q", i, cfg.STAC.URLs[i], want[i])
		}
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BUCKET", "b")
	t.Setenv("STAC_URL", "https://stac.example")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.AckWait != 15*time.Minute {
		t.Errorf("ack wait default = %v", cfg.Queue.AckWait)
	}
	if cfg.STAC.Limit != 500 {
		t.Errorf("stac limit default = %d", cfg.STAC.Limit)
	}
	if cfg.Server.Port != 3737 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
}

func TestLoadRejectsMissingBucket(t *testing.T) {
	t.Setenv("STAC_URL", "https://stac.example")
	t.Setenv("BUCKET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error without BUCKET")
	}
}

func TestEnvTransformDropsUnknownKeys(t *testing.T) {
	if got := envTransform("RANDOM_HOST_VAR"); got != "" {
		t.Errorf("unknown env mapped to %q", got)
	}
	if got := envTransform("DB_URL"); got != "catalog.url" {
		t.Errorf("DB_URL mapped to %q", got)
	}
}
