// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package main

import (
	"context"

	"github.com/earthdata-cube/cubebuilder/internal/broker"
	"github.com/earthdata-cube/cubebuilder/internal/catalog"
	"github.com/earthdata-cube/cubebuilder/internal/config"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/pipeline"
	"github.com/earthdata-cube/cubebuilder/internal/stac"
	"github.com/earthdata-cube/cubebuilder/internal/storage"
	"github.com/earthdata-cube/cubebuilder/internal/tracker"
)

// runtimeServices bundles the pipeline services with their closers.
type runtimeServices struct {
	services *pipeline.Services
	queue    *broker.NATSPublisher
	track    *tracker.Store
	cat      *catalog.DB
	embedded *broker.EmbeddedServer
}

// buildServices wires the production service set from configuration. When
// the embedded NATS server is enabled it is started first and the queue
// URL rewritten to point at it.
func buildServices(ctx context.Context, cfg *config.Config) (*runtimeServices, error) {
	rt := &runtimeServices{}

	if cfg.Queue.EmbeddedServer {
		embedded, err := broker.StartEmbeddedServer(cfg.Queue)
		if err != nil {
			return nil, err
		}
		rt.embedded = embedded
		cfg.Queue.URL = embedded.ClientURL()
	}

	queue, err := broker.NewNATSPublisher(cfg.Queue, nil)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.queue = queue

	track, err := tracker.OpenTables(cfg.Tracker.Path, cfg.Tracker.ControlTable, cfg.Tracker.ActivitiesTable)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.track = track

	cat, err := catalog.New(catalog.Config{
		Path:      cfg.Catalog.URL,
		MaxMemory: cfg.Catalog.MaxMemory,
		Threads:   cfg.Catalog.Threads,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.cat = cat

	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:    cfg.Bucket,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		PathStyle: cfg.Storage.PathStyle,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	stacClient, err := stac.NewHTTPClient(cfg.STAC.URLs, stac.Options{
		Timeout:           cfg.STAC.Timeout,
		RequestsPerSecond: cfg.STAC.RequestsPerSecond,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.services = &pipeline.Services{
		Store:   store,
		Queue:   queue,
		Tracker: track,
		STAC:    stacClient,
		Catalog: cat,
		Sources: &pipeline.RemoteOpener{Store: store},
		Prefix:  cfg.Prefix,
	}
	return rt, nil
}

// Close releases every opened service, tolerating partial construction.
func (rt *runtimeServices) Close() {
	if rt.queue != nil {
		if err := rt.queue.Close(); err != nil {
			logging.Err(err).Msg("close queue")
		}
	}
	if rt.track != nil {
		if err := rt.track.Close(); err != nil {
			logging.Err(err).Msg("close tracker")
		}
	}
	if rt.cat != nil {
		if err := rt.cat.Close(); err != nil {
			logging.Err(err).Msg("close catalog")
		}
	}
	if rt.embedded != nil {
		rt.embedded.Shutdown()
	}
}
