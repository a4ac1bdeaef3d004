// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order; the
// first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cubebuilder/config.yaml",
	"/etc/cubebuilder/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration with layered precedence:
// ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Numbered STAC endpoints (STAC_URL, STAC_URL2, STAC_URL3, ...) merge
	// into one ordered list; STAC_URL itself also accepts a comma list.
	if urls := stacURLsFromEnv(); len(urls) > 0 {
		if err := k.Set("stac.urls", urls); err != nil {
			return nil, fmt.Errorf("set stac urls: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names onto config paths. Unmapped
// variables are dropped so stray environment noise never pollutes the
// configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		// Core pipeline variables
		"bucket":      "bucket",
		"item_prefix": "prefix",

		// Object storage
		"aws_region":         "storage.region",
		"storage_endpoint":   "storage.endpoint",
		"storage_access_key": "storage.access_key",
		"storage_secret_key": "storage.secret_key",
		"storage_path_style": "storage.path_style",

		// Queue / activity stream
		"queue_url":           "queue.url",
		"kinesis_stream":      "queue.stream_name",
		"nats_embedded":       "queue.embedded_server",
		"nats_store_dir":      "queue.store_dir",
		"nats_max_memory":     "queue.max_memory",
		"nats_max_store":      "queue.max_store",
		"nats_durable_name":   "queue.durable_name",
		"nats_queue_group":    "queue.queue_group",
		"nats_max_deliver":    "queue.max_deliver",
		"nats_ack_wait":       "queue.ack_wait",
		"nats_close_timeout":  "queue.close_timeout",
		"nats_max_reconnect":  "queue.max_reconnects",
		"nats_reconnect_wait": "queue.reconnect_wait",

		// Work tracking
		"tracker_path":     "tracker.path",
		"activities_table": "tracker.activities_table",
		"control_table":    "tracker.control_table",

		// Relational catalog
		"db_url":             "catalog.url",
		"catalog_max_memory": "catalog.max_memory",
		"catalog_threads":    "catalog.threads",

		// STAC (STAC_URL handled separately for the numbered variants)
		"stac_timeout": "stac.timeout",
		"stac_rps":     "stac.requests_per_second",
		"stac_limit":   "stac.limit",

		// HTTP server
		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}
	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}

// stacURLsFromEnv collects STAC_URL plus the numbered STAC_URL2..STAC_URL9
// variants, splitting comma lists.
func stacURLsFromEnv() []string {
	var urls []string
	appendURLs := func(raw string) {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				urls = append(urls, part)
			}
		}
	}
	if raw := os.Getenv("STAC_URL"); raw != "" {
		appendURLs(raw)
	}
	for i := 2; i <= 9; i++ {
		if raw := os.Getenv(fmt.Sprintf("STAC_URL%d", i)); raw != "" {
			appendURLs(raw)
		}
	}
	return urls
}
