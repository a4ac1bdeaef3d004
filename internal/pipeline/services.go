// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package pipeline implements the four-stage cube assembly pipeline —
// MERGE, BLEND, POSBLEND, PUBLISH — and the counter-driven fan-out between
// stages. Stage functions are pure against the Services capability record:
// every external effect (object store, queue, tracker, STAC, catalog) goes
// through it, so tests swap in the in-memory implementations.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/earthdata-cube/cubebuilder/internal/catalog"
	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/metrics"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
	"github.com/earthdata-cube/cubebuilder/internal/stac"
	"github.com/earthdata-cube/cubebuilder/internal/storage"
	"github.com/earthdata-cube/cubebuilder/internal/tracker"
)

// Catalog is the slice of the relational catalog the pipeline touches.
type Catalog interface {
	Collection(ctx context.Context, name string, version int) (*catalog.Collection, error)
	ResolveTiles(ctx context.Context, gridID int64, names []string) ([]cube.Tile, error)
	Bands(ctx context.Context, collectionID int64) ([]catalog.Band, error)
	UpsertItems(ctx context.Context, items []catalog.Item) error
}

// Publisher is the queue surface the pipeline publishes through.
type Publisher interface {
	PublishActivity(ctx context.Context, a *cube.Activity) error
	PublishEvent(ctx context.Context, a *cube.Activity) error
}

// SceneOpener fetches a source scene raster by link.
type SceneOpener interface {
	Open(ctx context.Context, link string) (*raster.Raster, error)
}

// Services is the capability record handed to every stage function.
type Services struct {
	Store   storage.ObjectStore
	Queue   Publisher
	Tracker *tracker.Store
	STAC    stac.Client
	Catalog Catalog
	Sources SceneOpener

	// Prefix is the object-key prefix of all outputs.
	Prefix string
}

// putActivity writes the activity row and mirrors the change on the event
// topic, the pipeline's equivalent of the original activity stream.
func (s *Services) putActivity(ctx context.Context, a *cube.Activity) error {
	if err := s.Tracker.PutActivity(a); err != nil {
		return err
	}
	return s.Queue.PublishEvent(ctx, a)
}

// RemoteOpener opens scene links over HTTP(S) or from the object store for
// bucket-relative links.
type RemoteOpener struct {
	Store storage.ObjectStore
	HTTP  *http.Client
}

// Open fetches and parses one GeoTIFF scene.
func (o *RemoteOpener) Open(ctx context.Context, link string) (*raster.Raster, error) {
	var data []byte
	var err error
	switch {
	case strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://"):
		data, err = o.fetchHTTP(ctx, link)
	default:
		data, err = o.Store.Get(ctx, strings.TrimPrefix(link, "s3://"))
	}
	if err != nil {
		return nil, cube.NewDataError("merge", fmt.Sprintf("open scene %s", link), err)
	}
	r, err := raster.ReadGeoTIFF(data)
	if err != nil {
		return nil, cube.NewDataError("merge", fmt.Sprintf("parse scene %s", link), err)
	}
	return r, nil
}

func (o *RemoteOpener) fetchHTTP(ctx context.Context, link string) ([]byte, error) {
	client := o.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", link, resp.StatusCode)
	}
	return storage.ReadAll(resp.Body)
}

// storeRaster writes a COG to the object store.
func (s *Services) storeRaster(ctx context.Context, key string, r *raster.Raster, nodata *int32, kind string) error {
	var buf bytes.Buffer
	if err := raster.WriteCOG(&buf, r, nodata); err != nil {
		return err
	}
	if err := s.Store.Put(ctx, key, buf.Bytes(), raster.COGMimeType, false); err != nil {
		return err
	}
	observeObjectWrite(kind, buf.Len())
	return nil
}

func observeObjectWrite(kind string, n int) {
	metrics.ObjectsWritten.WithLabelValues(kind).Inc()
	metrics.ObjectBytesWritten.WithLabelValues(kind).Add(float64(n))
}

// loadRaster reads a COG back from the object store.
func (s *Services) loadRaster(ctx context.Context, key string) (*raster.Raster, error) {
	data, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, cube.NewDataError("raster", fmt.Sprintf("read %s", key), err)
	}
	return raster.ReadGeoTIFF(data)
}
