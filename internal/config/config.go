// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package config loads the cubebuilder configuration with layered
// precedence: struct defaults, then an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/earthdata-cube/cubebuilder/internal/broker"
)

// Config is the full service configuration.
type Config struct {
	// Bucket is the object-store bucket holding every pipeline output.
	Bucket string `koanf:"bucket" validate:"required"`
	// Prefix is the key prefix under the bucket.
	Prefix string `koanf:"prefix"`

	Storage StorageConfig     `koanf:"storage"`
	Queue   broker.NATSConfig `koanf:"queue"`
	Tracker TrackerConfig     `koanf:"tracker"`
	Catalog CatalogConfig     `koanf:"catalog"`
	STAC    STACConfig        `koanf:"stac"`
	Server  ServerConfig      `koanf:"server"`
	Logging LoggingConfig     `koanf:"logging"`
}

// StorageConfig tunes the S3 client.
type StorageConfig struct {
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	PathStyle bool   `koanf:"path_style"`
}

// TrackerConfig selects the work-tracking store.
type TrackerConfig struct {
	Path string `koanf:"path" validate:"required"`
	// ActivitiesTable and ControlTable name the two tables inside the
	// store, so several pipelines can share one path.
	ActivitiesTable string `koanf:"activities_table"`
	ControlTable    string `koanf:"control_table"`
}

// CatalogConfig selects the relational catalog.
type CatalogConfig struct {
	// URL is the DuckDB database path.
	URL       string `koanf:"url" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// STACConfig lists the scene catalogs, in priority order.
type STACConfig struct {
	URLs              []string      `koanf:"urls" validate:"required,min=1"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Limit             int           `koanf:"limit"`
}

// ServerConfig tunes the HTTP trigger server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=0,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, overridden by file and
// environment.
func defaultConfig() *Config {
	return &Config{
		Prefix: "",
		Queue: broker.NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			MaxMemory:      1 << 30,
			MaxStore:       10 << 30,
			StreamName:     "CUBE",
			DurableName:    "cube-worker",
			QueueGroup:     "cube-workers",
			MaxDeliver:     5,
			AckWait:        15 * time.Minute,
		},
		Tracker: TrackerConfig{
			Path:            "/data/tracker",
			ActivitiesTable: "activity",
			ControlTable:    "control",
		},
		Catalog: CatalogConfig{
			URL:       "/data/catalog.duckdb",
			MaxMemory: "1GB",
		},
		STAC: STACConfig{
			Timeout:           60 * time.Second,
			RequestsPerSecond: 4,
			Limit:             500,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    3737,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New()

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
