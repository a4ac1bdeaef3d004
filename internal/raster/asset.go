// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"fmt"
	"time"
)

// Asset is one catalog item asset entry: a raster band, index, or the
// quicklook thumbnail.
type Asset struct {
	Href    string   `json:"href"`
	Type    string   `json:"type"`
	Roles   []string `json:"roles"`
	Created string   `json:"created"`
	Updated string   `json:"updated"`

	// EO metadata, present for raster assets only.
	RasterSize *[2]int     `json:"raster_size,omitempty"`
	ChunkSize  *[2]int     `json:"chunk_size,omitempty"`
	DataType   string      `json:"data_type,omitempty"`
	Nodata     *int32      `json:"nodata,omitempty"`
	Transform  *[6]float64 `json:"transform,omitempty"`
	EPSG       int         `json:"epsg,omitempty"`
}

// AssetDefinition builds an asset entry, optionally inspecting the raster
// for EO metadata and footprint. The returned geometries are WKT polygons in
// the raster CRS: the bounding footprint and its convex hull (identical for
// a full rectangular grid).
func AssetDefinition(href, mime string, roles []string, r *Raster) (Asset, string, string) {
	now := time.Now().UTC().Format(time.RFC3339)
	asset := Asset{
		Href:    href,
		Type:    mime,
		Roles:   roles,
		Created: now,
		Updated: now,
	}
	if r == nil {
		return asset, "", ""
	}

	size := [2]int{r.Grid.Width, r.Grid.Height}
	chunk := [2]int{cogTileSize, cogTileSize}
	transform := r.Grid.Transform
	nodata := r.Nodata
	asset.RasterSize = &size
	asset.ChunkSize = &chunk
	asset.DataType = string(r.DType)
	asset.Nodata = &nodata
	asset.Transform = &transform
	asset.EPSG = EPSGCode(r.Grid.CRS)

	footprint := footprintWKT(&r.Grid)
	return asset, footprint, footprint
}

// footprintWKT renders the grid bounds as a closed WKT polygon.
func footprintWKT(g *Grid) string {
	xmin, ymin, xmax, ymax := g.Bounds()
	return fmt.Sprintf("POLYGON((%g %g, %g %g, %g %g, %g %g, %g %g))",
		xmin, ymin, xmax, ymin, xmax, ymax, xmin, ymax, xmin, ymin)
}
